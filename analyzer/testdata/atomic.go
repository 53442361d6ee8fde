package main

var c int

func atomicInc() { // want `unconditional dependence with atomicInc` `unconditional dependence with bump`
	c = c + 1
}

func bump() {
	c = 2 // want `unconditional dependence with bump` `unconditional dependence with atomicInc`
}

func worker() {
	atomicInc()
}

func main() {
	go worker()
	go bump()
}
