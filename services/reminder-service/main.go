package main

import "github.com/stoik/cooldown/services/reminder-service/internal/app"

func main() {
	app.Execute()
}
