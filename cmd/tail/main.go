// Command tail follows one agent task's realtime status and logs on stdout,
// using the same synchronizer a dashboard would.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/pkg/client"
	"github.com/taskrelay/taskrelay/pkg/models"
)

func main() {
	var (
		taskFlag = flag.String("task", "", "task id to follow (required)")
		wsFlag   = flag.String("ws", "ws://localhost:8080/api/v1/agent-tasks/stream", "websocket stream URL")
		apiFlag  = flag.String("api", "http://localhost:8080", "REST API base URL")
	)
	flag.Parse()

	taskID, err := uuid.Parse(*taskFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tail: -task must be a valid task UUID")
		os.Exit(2)
	}

	done := make(chan struct{})

	sync := client.New(taskID, client.DefaultConfig(*wsFlag, *apiFlag), client.Handlers{
		OnStatus: func(rs models.RealtimeStatus) {
			line := fmt.Sprintf("[%s] phase=%s", rs.UpdatedAt.Format("15:04:05"), rs.Phase)
			if rs.Progress != nil {
				line += fmt.Sprintf(" progress=%d%%", *rs.Progress)
			}
			if rs.Message != nil {
				line += " " + *rs.Message
			}
			fmt.Println(line)
			if rs.Phase.Terminal() {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
		OnLogs: func(logs []models.LogEntry) {
			for _, l := range logs {
				fmt.Printf("[%s] %s: %s\n", l.Timestamp.Format("15:04:05"), l.Level, l.Message)
			}
		},
		OnState: func(st client.State) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", st)
		},
	})

	sync.Connect()
	defer sync.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
	case <-sig:
	}
}
