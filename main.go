package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/o2lab/gopor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalln(err)
	}
}
