package commitlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Binary record framing, stable across versions:
//
//	commit_id   u64 (big endian)
//	commit_type u8
//	payload_len u32 (big endian)
//	payload     payload_len bytes
//	pre_state   32 bytes
//	post_state  32 bytes
//
// Records are length-prefixed so a reader can skip payloads it does not
// understand.

// MaxPayloadLen bounds a single record payload; a longer length prefix
// indicates a corrupt or hostile stream.
const MaxPayloadLen = 16 * 1024 * 1024

// ErrTruncatedRecord is returned when a stream ends mid-record.
var ErrTruncatedRecord = errors.New("truncated commit record")

// WriteRecord encodes one commit to w.
func WriteRecord(w io.Writer, c *Commit) error {
	var head [13]byte
	binary.BigEndian.PutUint64(head[0:8], c.CommitID)
	head[8] = byte(c.Type)
	if len(c.Payload) > MaxPayloadLen {
		return fmt.Errorf("commitlog: payload of commit %d exceeds %d bytes", c.CommitID, MaxPayloadLen)
	}
	binary.BigEndian.PutUint32(head[9:13], uint32(len(c.Payload)))

	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("commitlog: write record head: %w", err)
	}
	if _, err := w.Write(c.Payload); err != nil {
		return fmt.Errorf("commitlog: write payload: %w", err)
	}
	if _, err := w.Write(c.PreState[:]); err != nil {
		return fmt.Errorf("commitlog: write pre-state hash: %w", err)
	}
	if _, err := w.Write(c.PostState[:]); err != nil {
		return fmt.Errorf("commitlog: write post-state hash: %w", err)
	}
	return nil
}

// ReadRecord decodes one commit from r. Returns io.EOF on a clean end of
// stream and ErrTruncatedRecord when a record is cut short.
func ReadRecord(r io.Reader) (*Commit, error) {
	var head [13]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrTruncatedRecord
	}

	c := &Commit{
		CommitID: binary.BigEndian.Uint64(head[0:8]),
		Type:     CommitType(head[8]),
	}
	payloadLen := binary.BigEndian.Uint32(head[9:13])
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("commitlog: payload length %d exceeds %d", payloadLen, MaxPayloadLen)
	}
	c.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return nil, ErrTruncatedRecord
	}
	if _, err := io.ReadFull(r, c.PreState[:]); err != nil {
		return nil, ErrTruncatedRecord
	}
	if _, err := io.ReadFull(r, c.PostState[:]); err != nil {
		return nil, ErrTruncatedRecord
	}
	return c, nil
}

// WriteAll streams every commit to w in order.
func WriteAll(w io.Writer, commits []*Commit) error {
	bw := bufio.NewWriter(w)
	for _, c := range commits {
		if err := WriteRecord(bw, c); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadAll decodes commits until end of stream.
func ReadAll(r io.Reader) ([]*Commit, error) {
	br := bufio.NewReader(r)
	var commits []*Commit
	for {
		c, err := ReadRecord(br)
		if errors.Is(err, io.EOF) {
			return commits, nil
		}
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
}
