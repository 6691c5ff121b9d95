package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/protocol"
	"github.com/avaropoint/devmirror/internal/session"
)

// LogcatCommand is the shell service behind the logcat channel.
const LogcatCommand = "shell:logcat -v brief"

// channels registers the handlers served over a multiplexed session.
func (s *Server) channels() *session.Registry {
	reg := session.NewRegistry()
	handlers := map[string]session.HandlerFunc{
		session.CodeTracker:  s.serveTracker,
		session.CodeShell:    s.serveShell,
		session.CodeLogcat:   s.serveLogcat,
		session.CodeFileList: s.serveFileList,
	}
	for code, h := range handlers {
		if err := reg.Register(code, h); err != nil {
			panic(err)
		}
	}
	return reg
}

func sendMessage(ch *session.Channel, typ string, payload any) error {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Send(data)
}

func deviceList(devices []fleet.DeviceDescriptor) []fleet.DeviceDescriptor {
	if devices == nil {
		return []fleet.DeviceDescriptor{}
	}
	return devices
}

// serveTracker sends the device list on open and after every fleet
// update. The client may ask for a refresh at any time.
func (s *Server) serveTracker(ctx context.Context, ch *session.Channel, _ []byte) error {
	sub := s.tracker.Subscribe()
	defer sub.Close()

	if err := sendMessage(ch, protocol.MsgDeviceList, deviceList(s.tracker.Snapshot())); err != nil {
		return nil
	}

	go func() {
		for {
			p, err := ch.Read()
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(p, &msg); err != nil {
				_ = sendMessage(ch, protocol.MsgError, "malformed message")
				continue
			}
			switch msg.Type {
			case protocol.MsgRefresh:
				if err := s.tracker.Refresh(ctx); err != nil {
					s.log.Warn("fleet refresh failed", zap.Error(err))
					_ = sendMessage(ch, protocol.MsgError, err.Error())
				}
			default:
				_ = sendMessage(ch, protocol.MsgError, fmt.Sprintf("unknown message type %q", msg.Type))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := sendMessage(ch, protocol.MsgDeviceList, deviceList(u.Devices)); err != nil {
				return nil
			}
		}
	}
}

func channelUDID(init []byte) (string, error) {
	if len(init) == 0 {
		return "", fmt.Errorf("%w: missing udid", session.ErrInvalidParameter)
	}
	return string(init), nil
}

// pipeService relays the channel to an adb service on the device.
func (s *Server) pipeService(ctx context.Context, ch *session.Channel, init []byte, service string) error {
	udid, err := channelUDID(init)
	if err != nil {
		return err
	}
	conn, err := s.bridge.OpenService(ctx, udid, service)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrTunnelFailure, err)
	}
	return session.Pipe(ctx, ch, conn)
}

func (s *Server) serveShell(ctx context.Context, ch *session.Channel, init []byte) error {
	return s.pipeService(ctx, ch, init, "shell:")
}

func (s *Server) serveLogcat(ctx context.Context, ch *session.Channel, init []byte) error {
	return s.pipeService(ctx, ch, init, LogcatCommand)
}

// fileListing answers one FSLS request.
type fileListing struct {
	Path    string         `json:"path"`
	Entries []adb.DirEntry `json:"entries"`
	Error   string         `json:"error,omitempty"`
}

// serveFileList answers each DATA frame, a directory path, with its
// entries.
func (s *Server) serveFileList(ctx context.Context, ch *session.Channel, init []byte) error {
	udid, err := channelUDID(init)
	if err != nil {
		return err
	}
	for {
		p, err := ch.Read()
		if err != nil {
			return nil
		}
		reply := fileListing{Path: string(p), Entries: []adb.DirEntry{}}
		entries, err := s.bridge.ListDir(ctx, udid, reply.Path)
		if err != nil {
			reply.Error = err.Error()
		} else if entries != nil {
			reply.Entries = entries
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		if err := ch.Send(data); err != nil {
			return nil
		}
	}
}
