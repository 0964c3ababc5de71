package main

import (
	"remedy/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("bouncer terminated", "error", err)
	}
}
