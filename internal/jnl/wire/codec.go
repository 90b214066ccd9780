// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuGH/jalop/internal/jnl"
)

// ErrMalformed is returned for bodies or headers that cannot be decoded.
var ErrMalformed = errors.New("wire: malformed message")

const lineSep = "\r\n"

// EncodeDigestBatch builds a digest message. Lines are "<digest>=<nonce>"
// sorted by nonce.
func EncodeDigestBatch(sessionID string, batch map[string]string) jnl.Message {
	return jnl.Message{
		Kind:      jnl.MessageDigest,
		SessionID: sessionID,
		Headers: map[string]string{
			HeaderMessage:   string(jnl.MessageDigest),
			HeaderSessionID: sessionID,
			HeaderCount:     strconv.Itoa(len(batch)),
		},
		Body: encodePairs(batch, func(k, v string) string { return v + "=" + k }),
	}
}

// DecodeDigestBatch parses a digest body into nonce -> digest. A JAL-Count
// header that disagrees with the body is rejected.
func DecodeDigestBatch(msg jnl.Message) (map[string]string, error) {
	out := make(map[string]string)
	err := scanPairs(msg.Body, func(left, right string) error {
		if left == "" {
			return fmt.Errorf("%w: empty digest for nonce %q", ErrMalformed, right)
		}
		out[right] = left
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkCount(msg, len(out)); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeDigestResponse builds a digest-response message with lines
// "<status>=<nonce>".
func EncodeDigestResponse(sessionID string, statuses map[string]jnl.DigestStatus) (jnl.Message, error) {
	plain := make(map[string]string, len(statuses))
	for nonce, st := range statuses {
		s := st.String()
		if s == "" {
			return jnl.Message{}, fmt.Errorf("%w: no verdict for nonce %q", ErrMalformed, nonce)
		}
		plain[nonce] = s
	}
	return jnl.Message{
		Kind:      jnl.MessageDigestResponse,
		SessionID: sessionID,
		Headers: map[string]string{
			HeaderMessage:   string(jnl.MessageDigestResponse),
			HeaderSessionID: sessionID,
			HeaderCount:     strconv.Itoa(len(plain)),
		},
		Body: encodePairs(plain, func(k, v string) string { return v + "=" + k }),
	}, nil
}

// DecodeDigestResponse parses a digest-response body into nonce -> status.
func DecodeDigestResponse(msg jnl.Message) (map[string]jnl.DigestStatus, error) {
	out := make(map[string]jnl.DigestStatus)
	err := scanPairs(msg.Body, func(left, right string) error {
		st, err := jnl.ParseDigestStatus(left)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out[right] = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkCount(msg, len(out)); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeSubscribe builds a subscribe message. The resume stream never goes
// on the wire; only its offset does.
func EncodeSubscribe(sessionID string, req jnl.SubscribeRequest) jnl.Message {
	h := map[string]string{
		HeaderMessage:   string(jnl.MessageSubscribe),
		HeaderSessionID: sessionID,
		HeaderSerialID:  req.SerialID,
	}
	if req.ResumeOffset > 0 {
		h[HeaderJournalOffset] = strconv.FormatInt(req.ResumeOffset, 10)
	}
	return jnl.Message{Kind: jnl.MessageSubscribe, SessionID: sessionID, Headers: h}
}

// DecodeSubscribe reads serial id and offset. A blank serial id means the epoch.
func DecodeSubscribe(msg jnl.Message) (jnl.SubscribeRequest, error) {
	req := jnl.SubscribeRequest{SerialID: strings.TrimSpace(msg.Header(HeaderSerialID))}
	if req.SerialID == "" {
		req.SerialID = jnl.Epoch
	}
	if raw := strings.TrimSpace(msg.Header(HeaderJournalOffset)); raw != "" {
		off, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || off < 0 {
			return jnl.SubscribeRequest{}, fmt.Errorf("%w: bad %s %q", ErrMalformed, HeaderJournalOffset, raw)
		}
		req.ResumeOffset = off
	}
	return req, nil
}

// ParseLength reads a non-negative length header. Missing means 0.
func ParseLength(msg jnl.Message, key string) (int64, error) {
	raw := strings.TrimSpace(msg.Header(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s %q", ErrMalformed, key, raw)
	}
	return n, nil
}

func encodePairs(m map[string]string, line func(k, v string) string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(line(k, m[k]))
		buf.WriteString(lineSep)
	}
	return buf.Bytes()
}

// scanPairs splits "<left>=<nonce>" lines on the first '='. Hex digests and
// status words never contain '='.
func scanPairs(body []byte, fn func(left, right string) error) error {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return fmt.Errorf("%w: line %q has no '='", ErrMalformed, line)
		}
		left, right := strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
		if right == "" {
			return fmt.Errorf("%w: line %q has no nonce", ErrMalformed, line)
		}
		if err := fn(left, right); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func checkCount(msg jnl.Message, got int) error {
	raw := strings.TrimSpace(msg.Header(HeaderCount))
	if raw == "" {
		return nil
	}
	want, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: bad %s %q", ErrMalformed, HeaderCount, raw)
	}
	if want != got {
		return fmt.Errorf("%w: %s=%d but body has %d entries", ErrMalformed, HeaderCount, want, got)
	}
	return nil
}
