package main

import (
	"fmt"
	"os"

	"brokercrm/internal/app"
)

// @title                      Broker CRM Pipeline API
// @version                    1.0
// @description                Lead and deal pipeline of the brokerage CRM.
// @BasePath                   /
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
