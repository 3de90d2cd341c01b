package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/suara/pkg/config"
	"github.com/harunnryd/suara/pkg/protocol"
	"github.com/harunnryd/suara/pkg/resilience"
	"github.com/harunnryd/suara/pkg/transports"
	"github.com/harunnryd/suara/pkg/transports/websocket"
)

// send_text performs one text round trip against the backend, bypassing
// the session, to check that a server is reachable and answering.
func main() {
	configPath := flag.String("config", "", "")
	text := flag.String("text", "", "")
	voice := flag.Bool("voice", false, "ask the backend for audio")
	timeout := flag.Duration("timeout", 30*time.Second, "")
	flag.Parse()
	if *text == "" {
		fmt.Println("usage: send_text -text=\"hello\" [-config=...] [-voice]")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	channelCfg := cfg.ChannelConfig()
	dialer := websocket.Dialer{HandshakeTimeout: channelCfg.DialTimeout}
	var conn transports.Conn
	err = resilience.NewRetryPolicy(3, channelCfg.ReconnectDelay).Do(ctx, func(ctx context.Context) error {
		c, err := dialer.Dial(ctx, cfg.Server.URL, cfg.Server.Headers)
		if err != nil {
			fmt.Println("dial error:", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		fmt.Println("connect failed:", err)
		os.Exit(1)
	}
	defer conn.Close()

	payload, err := protocol.EncodeOutbound(protocol.Text{Text: *text, VoiceMode: *voice})
	if err != nil {
		fmt.Println("encode error:", err)
		os.Exit(1)
	}
	if err := conn.WriteMessage(payload); err != nil {
		fmt.Println("send error:", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			fmt.Println("read error:", err)
			os.Exit(1)
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			fmt.Println("parse error:", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Connection:
			fmt.Println("session_id:", m.SessionID)
		case protocol.Processing:
			fmt.Println("processing")
		case protocol.Error:
			fmt.Println("server error:", m.Message)
			os.Exit(1)
		case protocol.Response:
			fmt.Println("response:", m.ResponseText)
			if m.HasAudio() {
				audio, err := m.DecodeAudio()
				if err != nil {
					fmt.Println("audio decode error:", err)
				} else {
					fmt.Println("audio_bytes:", len(audio))
				}
			}
			for stage, v := range m.Latency {
				fmt.Printf("latency_%s_ms: %.0f\n", stage, v)
			}
			return
		}
	}
}
