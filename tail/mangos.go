package tail

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// register all transports (tcp, ipc, inproc, ws...)
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// message format: topic, offset (8 bytes, little endian), record
func encodeMessage(topic []byte, rec Record) []byte {
	msg := make([]byte, 0, len(topic)+8+len(rec.Data))
	msg = append(msg, topic...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(rec.Offset))
	return append(msg, rec.Data...)
}

func decodeMessage(topic []byte, msg []byte) (Record, error) {
	if len(msg) < len(topic)+8 {
		return Record{}, fmt.Errorf("message too short (%d bytes)", len(msg))
	}
	msg = msg[len(topic):]
	return Record{
		Offset: int64(binary.LittleEndian.Uint64(msg)),
		Data:   msg[8:],
	}, nil
}

// MangosPublisher publishes records on a PUB socket. Subscribers that are
// not connected when a record is published don't get it.
type MangosPublisher struct {
	sock  mangos.Socket
	topic []byte
	Logf  func(format string, args ...any)
}

// NewMangosPublisher creates a PUB socket listening on addr, e.g.
// "tcp://127.0.0.1:40899". Messages are prefixed with topic so that
// subscribers can filter them.
func NewMangosPublisher(addr string, topic string) (*MangosPublisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err = sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &MangosPublisher{
		sock:  sock,
		topic: []byte(topic),
	}, nil
}

// Publish sends rec to subscribers
func (p *MangosPublisher) Publish(rec Record) {
	if err := p.sock.Send(encodeMessage(p.topic, rec)); err != nil && p.Logf != nil {
		p.Logf("tail: publishing record at %d: %s\n", rec.Offset, err)
	}
}

// Close closes the socket
func (p *MangosPublisher) Close() error {
	return p.sock.Close()
}

// Subscribe connects to a MangosPublisher at addr and calls fn for every
// record with the given topic until ctx is done or fn returns an error.
// The publisher doesn't have to be running yet.
func Subscribe(ctx context.Context, addr string, topic string, fn func(Record) error) error {
	sock, err := sub.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create SUB socket: %w", err)
	}
	defer sock.Close()

	opts := map[string]interface{}{
		mangos.OptionDialAsynch: true,
	}
	if err = sock.DialOptions(addr, opts); err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	topicBytes := []byte(topic)
	if err = sock.SetOption(mangos.OptionSubscribe, topicBytes); err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", topic, err)
	}
	// so that we notice ctx being done
	if err = sock.SetOption(mangos.OptionRecvDeadline, 100*time.Millisecond); err != nil {
		return err
	}

	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		msg, err := sock.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		rec, err := decodeMessage(topicBytes, msg)
		if err != nil {
			continue
		}
		if err = fn(rec); err != nil {
			return err
		}
	}
}
