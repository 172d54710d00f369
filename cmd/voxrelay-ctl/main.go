package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"
	log "log/slog"

	"voxrelay/internal/ipc"
	"voxrelay/pkg/protocol"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: voxrelay-ctl [flags] <command>

commands:
  ping            round-trip a ping over the websocket
  stream <file>   stream an audio file as one utterance and save the reply
  status          list live sessions (admin socket)
  close-all       close every live session (admin socket)

flags:
`)
	cli.PrintDefaults()
}

func main() {
	url := cli.StringP("url", "u", "ws://localhost:8080/ws", "Relay websocket url")
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Admin socket path")
	chunk := cli.IntP("chunk", "c", 4096, "Audio chunk size in bytes")
	interval := cli.DurationP("interval", "i", 20*time.Millisecond, "Delay between audio chunks")
	wait := cli.DurationP("wait", "w", 30*time.Second, "How long to wait for the reply")
	out := cli.StringP("out", "o", "reply", "Reply audio path, without extension")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Usage = usage
	cli.Parse()

	var level log.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = log.LevelInfo
	}
	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	args := cli.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "ping":
		err = ping(*url, *wait)
	case "stream":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		err = stream(*url, args[1], *chunk, *interval, *wait, *out)
	case "status":
		err = admin(*socket, ipc.CmdStatus)
	case "close-all":
		err = admin(*socket, ipc.CmdCloseAll)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "voxrelay-ctl:", err)
		os.Exit(1)
	}
}

func connect(url string, timeout time.Duration) (*protocol.WebSocket, string, error) {
	web, err := protocol.NewWebSocket(url, timeout)
	if err != nil {
		return nil, "", err
	}
	in := web.Read()
	if in.Kind != protocol.READ_OK || in.Event.Event != protocol.EvConnected {
		web.Close()
		return nil, "", fmt.Errorf("no connected event: %v", in.Err)
	}
	return web, in.Event.SessionID, nil
}

func ping(url string, timeout time.Duration) error {
	web, id, err := connect(url, timeout)
	if err != nil {
		return err
	}
	defer web.Close()

	start := time.Now()
	if err := web.Send(protocol.Ping); err != nil {
		return err
	}
	for {
		in := web.Read()
		if in.Kind != protocol.READ_OK {
			return in.Err
		}
		if in.Event.Event == protocol.EvPong {
			fmt.Printf("session %s pong %s rtt %s\n", id, in.Event.Timestamp, time.Since(start).Round(time.Millisecond))
			return nil
		}
	}
}

func stream(url, path string, chunk int, interval, wait time.Duration, out string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	web, id, err := connect(url, wait)
	if err != nil {
		return err
	}
	defer web.Close()
	log.Info("Connected", "session", id)

	events := make(chan protocol.Income, 16)
	go func() {
		defer close(events)
		for {
			in := web.Read()
			events <- in
			if in.Kind != protocol.READ_OK {
				return
			}
		}
	}()

	if err := web.Send(protocol.StartRecording); err != nil {
		return err
	}

	buf := make([]byte, chunk)
	sent := 0
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := web.SendAudio(buf[:n]); err != nil {
				return err
			}
			sent += n
			time.Sleep(interval)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	log.Info("Streamed", "bytes", sent)

	defer web.Send(protocol.StopRecording)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return errors.New("timed out waiting for reply")
		case in, ok := <-events:
			if !ok {
				return errors.New("connection closed")
			}
			if in.Kind != protocol.READ_OK {
				return in.Err
			}
			done, err := handle(in.Event, out)
			if err != nil || done {
				return err
			}
		}
	}
}

func handle(ev protocol.Event, out string) (bool, error) {
	switch ev.Event {
	case protocol.EvAudioData:
		audio, err := ev.Audio()
		if err != nil {
			return false, err
		}
		name := out + "." + ev.Format
		if err := os.WriteFile(name, audio, 0644); err != nil {
			return false, err
		}
		log.Info("Saved reply", "path", name, "bytes", len(audio))
	case protocol.EvAudioEnd:
		log.Info("Audio end", "format", ev.Format, "durationMs", ev.DurationMs)
	case protocol.EvError:
		return false, fmt.Errorf("%s: %s", ev.Code, ev.Message)
	case protocol.EvProcessingCompleted:
		return true, nil
	default:
		log.Info("Event", "event", ev.Event, "timestamp", ev.Timestamp)
	}
	return false, nil
}

func admin(socket, cmd string) error {
	reply, err := ipc.SendCommand(socket, cmd)
	if err != nil {
		return fmt.Errorf("voxrelay not reachable: %w", err)
	}

	if cmd == ipc.CmdCloseAll {
		fmt.Printf("closed %d sessions\n", reply.Closed)
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reply.Sessions)
}
