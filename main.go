package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/chat"
	"github.com/putto11262002/chatsync/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		if msg := app.FormatValidationErrors(err); msg != "" {
			log.Fatalf("invalid config:\n%s", msg)
		}
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})).
		With(slog.String("session.id", uuid.NewString()))

	session, cleanup, err := app.BuildSession(cfg, logger,
		nil,
		func(msg models.Message) {
			fmt.Printf("\r[%s] %s: %s\n> ",
				msg.CreatedAt.Local().Format("15:04"), msg.Sender.Username, msg.Content)
		})
	if err != nil {
		log.Fatalf("build session: %v", err)
	}
	defer cleanup()
	defer session.Close()

	if cfg.Room == "" {
		log.Fatal("no room configured: set ROOM or room in config.yaml")
	}
	if err := session.Open(ctx, cfg.Room); err != nil {
		log.Fatalf("open room: %v", err)
	}

	room := session.Room()
	fmt.Printf("joined %s (%s)\n", room.Name, status(session))
	printHistory(session)

	go func() {
		<-ctx.Done()
		os.Stdin.Close()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/history":
			printHistory(session)
		case line == "/who":
			for _, u := range session.Roster() {
				fmt.Printf("  %s\n", u.Username)
			}
		case line == "/typing":
			if names := session.Typing(); len(names) > 0 {
				fmt.Printf("  %s typing...\n", strings.Join(names, ", "))
			}
		case line == "/status":
			fmt.Printf("  %s\n", status(session))
		case line == "/cancel":
			session.Composer().ClearTarget()
		case strings.HasPrefix(line, "/reply "):
			if id, ok := parseID(line, "/reply "); ok {
				session.Composer().Reply(id)
			}
		case strings.HasPrefix(line, "/edit "):
			if id, ok := parseID(line, "/edit "); ok {
				session.Composer().BeginEdit(id)
			}
		case strings.HasPrefix(line, "/delete "):
			if id, ok := parseID(line, "/delete "); ok {
				session.Composer().Delete(id)
			}
		case strings.HasPrefix(line, "/react "):
			fields := strings.Fields(strings.TrimPrefix(line, "/react "))
			if len(fields) == 2 {
				if id, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
					session.React(ctx, id, fields[1])
				}
			}
		case strings.HasPrefix(line, "/room "):
			roomID := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			if err := session.Open(ctx, roomID); err != nil {
				fmt.Printf("  open room: %v\n", err)
			} else {
				fmt.Printf("joined %s\n", session.Room().Name)
				printHistory(session)
			}
		default:
			session.Composer().Typing()
			session.Composer().Send(line)
		}
		fmt.Print("> ")
	}
}

func status(s *chat.Session) string {
	if s.Connected() {
		return "live"
	}
	return "connecting..."
}

func printHistory(s *chat.Session) {
	msgs := s.Messages()
	byID := make(map[int64]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	for _, line := range chat.RenderPlan(msgs, time.Local) {
		if line.DayBreak {
			fmt.Printf("---- %s ----\n", line.Day.Format("Mon Jan 2 2006"))
		}
		if line.ShowHeader {
			header := line.Msg.Sender.Username
			if line.Msg.Sender.Title != "" {
				header += " (" + line.Msg.Sender.Title + ")"
			}
			fmt.Printf("%s  %s\n", header, line.Msg.CreatedAt.Local().Format("15:04"))
		}
		prefix := fmt.Sprintf("  [%d] ", line.Msg.ID)
		if line.Msg.Parent != nil {
			// The parent may have been deleted out from under a reply.
			if _, ok := byID[*line.Msg.Parent]; ok {
				prefix += fmt.Sprintf("(reply to %d) ", *line.Msg.Parent)
			} else {
				prefix += "(reply to unavailable message) "
			}
		}
		suffix := ""
		if line.Msg.Edited() {
			suffix = " (edited)"
		}
		fmt.Printf("%s%s%s\n", prefix, line.Msg.Content, suffix)
	}
}

func parseID(line, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, prefix)), 10, 64)
	if err != nil {
		fmt.Printf("  bad id: %v\n", err)
		return 0, false
	}
	return id, true
}
