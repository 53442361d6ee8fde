package main

var a, b int

func wa() {
	a = 1 // want `unconditional dependence with wa`
}

func wb() {
	b = 1 // want `unconditional dependence with wb`
}

func main() {
	go wa()
	go wb()
}
