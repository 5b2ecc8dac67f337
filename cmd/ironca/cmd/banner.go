package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ___                   ____    _    
 |_ _|_ __ ___  _ __   / ___|  / \   
  | || '__/ _ \| '_ \ | |     / _ \  
  | || | | (_) | | | || |___ / ___ \ 
 |___|_|  \___/|_| |_| \____/_/   \_\
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Request & Issuance - Version %s\x1b[0m\n\n", Version)
}
