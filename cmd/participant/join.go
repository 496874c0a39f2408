package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	signalinfra "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
)

var (
	flagServer         string
	flagRoom           string
	flagID             string
	flagCamera         bool
	flagMic            bool
	flagICEServers     []string
	flagScreenDuration time.Duration
	flagJoinTimeout    time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay until leave or Ctrl-C",
	Long: `Join a room on a meshcall signaling server.

Examples:
  participant join --server ws://localhost:8080/ws --room r1 --id alice
  participant join --room r1 --id bob --camera=false
  participant join --room r1 --id carol --ice-server stun:stun.example.com:3478`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateRoomID(flagRoom); err != nil {
			return err
		}
		if err := validation.ValidateParticipantID(flagID); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runJoin(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "ws://localhost:8080/ws", "signaling server WebSocket URL")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room to join")
	joinCmd.Flags().StringVar(&flagID, "id", "", "participant identifier shown to the other members")
	joinCmd.Flags().BoolVar(&flagCamera, "camera", true, "start with the camera enabled")
	joinCmd.Flags().BoolVar(&flagMic, "mic", true, "start with the microphone enabled")
	joinCmd.Flags().StringSliceVar(&flagICEServers, "ice-server", nil, "STUN/TURN URL; overrides the config file")
	joinCmd.Flags().DurationVar(&flagScreenDuration, "screen-duration", 0, "end screen shares on their own after this long")
	joinCmd.Flags().DurationVar(&flagJoinTimeout, "join-timeout", 15*time.Second, "how long to wait for the server to admit us")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("id")
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	if len(flagICEServers) > 0 {
		return []webrtc.ICEServer{{URLs: flagICEServers}}
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func runJoin(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientCfg := signalinfra.DefaultClientConfig()
	clientCfg.WriteTimeout = cfg.Signal.WriteTimeout
	clientCfg.MaxMessageSize = cfg.Signal.MaxMessageSize
	conn, err := signalinfra.NewClient(flagServer, clientCfg, log.Named("signal"))
	if err != nil {
		return err
	}

	wcfg := webrtcinfra.WebRTCConfig{ICEServers: iceServers(cfg)}
	wcfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	wcfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transports, err := webrtcinfra.NewPionTransportFactory(wcfg, log.Named("webrtc"))
	if err != nil {
		return err
	}

	device := webrtcinfra.NewSyntheticDevice(webrtcinfra.SyntheticDeviceConfig{
		StreamID:       flagID,
		ScreenDuration: flagScreenDuration,
	}, log.Named("capture"))

	stats := newReceiveStats()
	session := services.NewParticipantSession(services.SessionConfig{
		RoomID:        domain.RoomID(flagRoom),
		ParticipantID: domain.ParticipantID(flagID),
		Media:         domain.MediaState{CameraEnabled: flagCamera, MicrophoneEnabled: flagMic},

		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
	}, conn, transports, device, printer(out, stats), log)
	defer session.Leave()

	joinCtx, cancel := context.WithTimeout(ctx, flagJoinTimeout)
	snap, err := session.Join(joinCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", flagRoom, err)
	}

	fmt.Fprintf(out, "joined %s as %s with %d other member(s)\n", snap.RoomID, flagID, len(snap.Participants))
	fmt.Fprintln(out, commandHelp)

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "leaving")
			return nil
		case <-session.Done():
			return fmt.Errorf("connection to %s lost", flagServer)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if c.kind == cmdLeave {
				return nil
			}
			if err := execute(ctx, session, stats, c, out); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func execute(ctx context.Context, session *services.ParticipantSession, stats *receiveStats, c command, out io.Writer) error {
	media := session.Media()
	switch c.kind {
	case cmdCamera:
		return media.ToggleCamera(ctx, c.on)
	case cmdMicrophone:
		return media.ToggleMicrophone(ctx, c.on)
	case cmdShare:
		return media.ShareScreen(ctx)
	case cmdUnshare:
		return media.StopShareScreen(ctx)
	case cmdChat:
		return session.SendChat(ctx, c.text)
	case cmdLinks:
		links := session.Links()
		ids := make([]string, 0, len(links))
		for id := range links {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			remote := domain.ParticipantID(id)
			fmt.Fprintf(out, "  %s: %s (%s)\n", id, links[remote], stats.describe(remote))
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "  no peers")
		}
	}
	return nil
}

func printer(out io.Writer, stats *receiveStats) services.SessionCallbacks {
	return services.SessionCallbacks{
		OnMembership: func(remote domain.ParticipantID, joined bool) {
			if joined {
				fmt.Fprintf(out, "* %s joined\n", remote)
			} else {
				stats.forget(remote)
				fmt.Fprintf(out, "* %s left\n", remote)
			}
		},
		OnLinkState: func(remote domain.ParticipantID, state domain.LinkState) {
			if state == domain.LinkClosed {
				stats.forget(remote)
			}
			fmt.Fprintf(out, "* link to %s is %s\n", remote, state)
		},
		OnPeerUnavailable: func(remote domain.ParticipantID, err error) {
			fmt.Fprintf(out, "* %s is unavailable: %v\n", remote, err)
		},
		OnRemoteTrack: func(remote domain.ParticipantID, track ports.RemoteTrack) {
			stats.add(remote, track)
			fmt.Fprintf(out, "* receiving %s from %s\n", track.Kind(), remote)
		},
		OnMediaState: func(remote domain.ParticipantID, media domain.MediaState) {
			fmt.Fprintf(out, "* %s camera=%t mic=%t\n", remote, media.CameraEnabled, media.MicrophoneEnabled)
		},
		OnChat: func(msg domain.ChatMessage) {
			fmt.Fprintf(out, "<%s> %s\n", msg.From, msg.Body)
		},
		OnClosed: func() {
			fmt.Fprintln(out, "* session closed")
		},
	}
}

