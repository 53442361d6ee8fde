package main

var m, c, d int

func lock(m *int)   {}
func unlock(m *int) {}

func inc() {
	lock(&m) // want `unconditional dependence with inc` `unconditional dependence with peek`
	c = c + 1
	unlock(&m)
}

func peek() {
	d = c // want `unconditional dependence with inc` `unconditional dependence with peek`
}

func main() {
	go inc()
	go inc()
	go peek()
}
