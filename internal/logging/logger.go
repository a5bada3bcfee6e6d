package logging

import (
	"log"
	"os"
)

var (
	Media    = log.New(os.Stdout, "[media] ", log.LstdFlags)
	Stripe   = log.New(os.Stdout, "[stripe] ", log.LstdFlags)
	Archive  = log.New(os.Stdout, "[archive] ", log.LstdFlags)
	Store    = log.New(os.Stdout, "[store] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
