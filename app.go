// app.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/config"
	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/session"
	sig "github.com/petervdpas/meshroom/internal/signal"
)

// App wires config, hub, capture device and session controller for the CLI.
type App struct {
	cfgPath string
	roomID  string
	name    string
}

func NewApp(cfgPath, roomID, name string) *App {
	return &App{cfgPath: cfgPath, roomID: roomID, name: name}
}

func (a *App) Run() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.name != "" {
		cfg.Profile.DisplayName = a.name
	}
	if lvl := cfg.Log.Level; lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}

	var tokens sig.TokenProvider
	if cfg.Hub.Token != "" {
		token := cfg.Hub.Token
		tokens = func(context.Context) (string, error) { return token, nil }
	}
	hub := sig.NewHub(cfg.Hub.URL, tokens, time.Duration(cfg.Hub.MaxBackoffSec)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hub.Connect(ctx); err != nil {
		return err
	}
	defer hub.Close()

	dev, err := media.NewDevice(cfg.Media.PreferredCam, cfg.Media.PreferredMic)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}

	ctl, err := session.New(hub, dev, session.Options{
		DisplayName: cfg.Profile.DisplayName,
		MicOn:       cfg.Media.MicOn,
		CamOn:       cfg.Media.CamOn,
		ICEServers: []webrtc.ICEServer{{
			URLs:       cfg.ICE.URLs,
			Username:   cfg.ICE.Username,
			Credential: cfg.ICE.Credential,
		}},
	})
	if err != nil {
		return err
	}
	defer ctl.Close()

	events, cancel := ctl.Events()
	defer cancel()

	if err := ctl.Join(ctx, a.roomID); err != nil {
		return err
	}

	fmt.Printf("joined room %s — Ctrl-C to leave\n", a.roomID)
	for {
		select {
		case <-ctx.Done():
			leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return ctl.Leave(leaveCtx)
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(evt)
		}
	}
}

func printEvent(evt session.Event) {
	switch evt.Type {
	case session.EventState:
		fmt.Printf("· session %s\n", evt.State)
	case session.EventRoster:
		fmt.Printf("· %d participant(s):\n", len(evt.Participants))
		for _, p := range evt.Participants {
			fmt.Printf("    %-12s %q mic=%v cam=%v screen=%v\n",
				p.ConnID, p.DisplayName, p.Media.MicEnabled, p.Media.VideoEnabled, p.Media.ScreenSharing)
		}
	case session.EventStreams:
		for id, tracks := range evt.Streams {
			fmt.Printf("· streams from %s: %d track(s)\n", id, len(tracks))
		}
	case session.EventMedia:
		fmt.Printf("· local media mic=%v cam=%v screen=%v\n",
			evt.Media.MicEnabled, evt.Media.VideoEnabled, evt.Media.ScreenSharing)
	case session.EventChat:
		fmt.Printf("%s: %s\n", evt.Chat.DisplayName, evt.Chat.Text)
	case session.EventError:
		fmt.Fprintf(os.Stderr, "! %s\n", evt.Err)
	}
}
