package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"sealed_chat/config"
	"sealed_chat/internal/localdb"
	"sealed_chat/internal/service/app"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run main.go <username>")
	}

	username := os.Args[1]

	v, err := config.LoadConfig("config")
	if err != nil {
		panic(err)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		panic(err)
	}

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Fatal("read password failed: ", err)
	}

	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		log.Fatal("create data dir failed: ", err)
	}
	db := localdb.Open(filepath.Join(cfg.Client.DataDir, username+".db"))
	defer db.Close()

	client := app.NewDirectoryClient(cfg.Client.DirectoryHost)

	ctx := context.Background()
	session, err := app.Login(ctx, db, client, client, username, string(password), cfg.Client.DeviceName)
	if err != nil {
		log.Fatal("login failed: ", err)
	}

	a := app.NewApp(session, client)
	defer a.Stop()
	a.Run(ctx)
}
