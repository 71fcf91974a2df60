package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"jim/config"
	"jim/db"
	"jim/server"
)

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srvConfig := &server.Config{
		Addr:         cfg.Addr,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	srv := server.New(database, srvConfig)

	// Control socket for management commands
	go startControlSocket(srv, database, cfg.ControlSocket)

	// Read-only monitoring API
	if cfg.MonitorAddr != "" {
		go func() {
			log.Printf("Monitoring API listening on %s", cfg.MonitorAddr)
			if err := http.ListenAndServe(cfg.MonitorAddr, server.NewMonitor(srv)); err != nil {
				log.Printf("Monitoring API stopped: %v", err)
			}
		}()
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown()
		os.Remove(cfg.ControlSocket)
		os.Exit(0)
	}()

	log.Fatal(srv.Start())
}

func startControlSocket(srv *server.Server, database *db.DB, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, database, conn, path)
	}
}

func handleControlCommand(srv *server.Server, database *db.DB, conn net.Conn, path string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	// Three fields at most; the last one may itself contain the delimiter
	// (adduser passwords).
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) == 0 || parts[0] == "" {
		conn.Write([]byte("ERROR|Invalid command\n"))
		return
	}

	switch parts[0] {
	case "stats":
		snap := srv.Snapshot()
		var users []string
		for _, u := range snap.Users {
			users = append(users, u.Login)
		}
		conn.Write([]byte("OK|connections=" + strconv.Itoa(snap.ActiveConnections) +
			",users=" + strings.Join(users, ";") + "\n"))

	case "adduser":
		// Users are registered out-of-band; there is no in-protocol signup.
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			conn.Write([]byte("ERROR|Usage: adduser|login|password\n"))
			return
		}
		if err := database.CreateUser(parts[1], parts[2]); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		log.Printf("User %s created via control socket", parts[1])
		conn.Write([]byte("OK|User created\n"))

	case "deactivate", "activate":
		if len(parts) < 2 || parts[1] == "" {
			conn.Write([]byte("ERROR|Usage: " + parts[0] + "|login\n"))
			return
		}
		if err := database.SetActive(parts[1], parts[0] == "activate"); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		log.Printf("User %s %sd via control socket", parts[1], parts[0])
		conn.Write([]byte("OK|User updated\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the response to be sent
		time.Sleep(100 * time.Millisecond)

		log.Printf("Shutdown requested via control socket")
		srv.Shutdown()

		os.Remove(path)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
