package shiro

import "fmt"

// colorPrinter is the printing surface shared by gookit's *color.Style and
// *color.Theme. The helpers below accept nil and degrade to plain output,
// so call sites never have to branch on color support.
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// debugf is a no-op unless SHIRO_DEBUG is set.
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}
