package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/transport"
)

// =============================================================================
// Output writes
// =============================================================================

// OutputIndex returns the output index of a channel by name.
func (s *Session) OutputIndex(name string) (int, error) {
	cat := s.Catalog()
	if cat == nil {
		return 0, errors.ErrNotInitialized
	}
	ch, ok := cat.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("channel %q: %w", name, errors.ErrNotFound)
	}
	if !ch.Direction.Writable() {
		return 0, fmt.Errorf("channel %q (%s): %w", name, ch.Direction, errors.ErrNotWritable)
	}
	return ch.OutputIndex, nil
}

// outputValue converts v to the type of the output channel at index.
func (s *Session) outputValue(index int, v float64) (transport.OutputValue, error) {
	cat := s.Catalog()
	if cat == nil {
		return transport.OutputValue{}, errors.ErrNotInitialized
	}
	ch, err := cat.Resolve(catalog.DirOutput, index)
	if err != nil {
		return transport.OutputValue{}, err
	}
	return transport.OutputValue{Index: index, Value: decoder.FromFloat64(ch.Type, v)}, nil
}

// writeOutputs sends one batch over the live connection.
func (s *Session) writeOutputs(ctx context.Context, values []transport.OutputValue) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	switch st := s.State(); {
	case st == StateClosed:
		return s.closedErr()
	case st != StateConnected || conn == nil:
		return fmt.Errorf("write outputs in state %s: %w", st, errors.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Session.WriteTimeout)
	defer cancel()

	if err := conn.WriteOutputs(ctx, values); err != nil {
		err = fmt.Errorf("write %d outputs: %w", len(values), err)
		s.recordErr(err)
		return err
	}
	return nil
}

// WriteStaged stores a value for an output channel. Nothing is sent until
// ReleaseOutputs.
func (c *Client) WriteStaged(index int, v float64) error {
	ov, err := c.s.outputValue(index, v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.staged[index] = ov.Value
	c.mu.Unlock()
	return nil
}

// Staged returns the number of staged output values.
func (c *Client) Staged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.staged)
}

// ReleaseOutputs sends the staged values of every client of the session as
// one batch. When two clients staged the same output the later registered
// client wins. Staged values are cleared only after a successful write.
func (s *Session) ReleaseOutputs(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	merged := make(map[int]decoder.Value)
	snapshots := make([]map[int]decoder.Value, len(clients))
	for i, c := range clients {
		c.mu.Lock()
		snap := make(map[int]decoder.Value, len(c.staged))
		for idx, v := range c.staged {
			snap[idx] = v
			merged[idx] = v
		}
		c.mu.Unlock()
		snapshots[i] = snap
	}

	if len(merged) == 0 {
		return 0, nil
	}

	batch := make([]transport.OutputValue, 0, len(merged))
	for idx, v := range merged {
		batch = append(batch, transport.OutputValue{Index: idx, Value: v})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Index < batch[j].Index })

	if err := s.writeOutputs(ctx, batch); err != nil {
		return 0, err
	}

	for i, c := range clients {
		c.mu.Lock()
		for idx, v := range snapshots[i] {
			if cur, ok := c.staged[idx]; ok && cur == v {
				delete(c.staged, idx)
			}
		}
		c.mu.Unlock()
	}
	return len(batch), nil
}

// ReleaseOutputs releases the staged values of the whole connection.
func (c *Client) ReleaseOutputs(ctx context.Context) (int, error) {
	return c.s.ReleaseOutputs(ctx)
}

// WriteImmediate sends a single output value without staging.
func (s *Session) WriteImmediate(ctx context.Context, index int, v float64) error {
	ov, err := s.outputValue(index, v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeOutputs(ctx, []transport.OutputValue{ov})
}

// WriteWindow sends consecutive output values starting at output index
// start in one call. Either all values are valid and sent, or none is.
func (s *Session) WriteWindow(ctx context.Context, start int, values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("empty output window: %w", errors.ErrInvalidArgument)
	}

	batch := make([]transport.OutputValue, len(values))
	for i, v := range values {
		ov, err := s.outputValue(start+i, v)
		if err != nil {
			return err
		}
		batch[i] = ov
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeOutputs(ctx, batch)
}
