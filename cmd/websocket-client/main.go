package main

import (
	"flag"
	"log"
	"os"

	"github.com/omochice/json-socket-chat/internal/client"
	"github.com/omochice/json-socket-chat/internal/client/ws"
	"github.com/omochice/json-socket-chat/internal/logging"
)

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080/ws", "WebSocket server URL (e.g., ws://localhost:8080/ws)")
	username := flag.String("username", "", "Username for chat")
	password := flag.String("password", "", "Password (default: $CHAT_PASSWORD)")
	register := flag.Bool("register", false, "Create the account before logging in")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	if *username == "" {
		log.Fatal("Username is required. Use -username flag")
	}
	if *password == "" {
		*password = os.Getenv("CHAT_PASSWORD")
	}

	logger := logging.New(logging.Config{Level: *logLevel}, os.Stderr)
	c := ws.New(*serverAddr, *username, logger)

	if err := c.Connect(); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer c.Disconnect()

	log.Printf("Connected to %s as %s", *serverAddr, *username)

	if err := client.Run(c, *password, *register, os.Stdin, os.Stdout); err != nil {
		log.Printf("Error: %v", err)
	}
	log.Println("Disconnected from server")
}
