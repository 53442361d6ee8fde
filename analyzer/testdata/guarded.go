package main

var arr [4]int

func a1(i int) {
	arr[i] = 1 // want `guarded dependence with a1` `guarded dependence with a2`
}

func a2(j int) {
	arr[j] = 2 // want `guarded dependence with a2` `guarded dependence with a1`
}

func main() {
	go a1(0)
	go a2(1)
}
