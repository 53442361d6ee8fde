package main

var x, y int

func w1() {
	x = 1 // want `unconditional dependence with w1` `unconditional dependence with w2` `unconditional dependence with r`
}

func w2() {
	x = 2 // want `unconditional dependence with w2` `unconditional dependence with w1` `unconditional dependence with r`
}

func r() {
	y = x // want `unconditional dependence with w1` `unconditional dependence with w2` `unconditional dependence with r`
}

func main() {
	go w1()
	go w2()
	go r()
}
