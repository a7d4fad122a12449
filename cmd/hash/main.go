// Package main prints the bcrypt hash of a password in the format the server
// stores in users.password_hash and user_directory.password_hash. It is used
// to seed or reset accounts directly in the database.
//
// Usage: hash <password>, or pipe the password on stdin to keep it out of the
// shell history.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/emetrics/emetrics-backend/internal/auth"
)

func main() {
	var password string
	if len(os.Args) > 1 {
		password = os.Args[1]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatalf("Failed to read password: %v", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		log.Fatal("Password must not be empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(hash)
}
