package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/fota/cmd/cpeer-fota-agent/app"
)

func main() {
	app.NewApp().Run()
}
