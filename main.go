package main

import "shiro/internal/shiro"

func main() {
	shiro.Main()
}
