package chatcache

import "context"

// Stream buffers hold in-flight assistant output per request so an
// interrupted client can re-read what was already produced. They are
// transient: cache-only, expiring after Config.StreamTTL, never synced to
// the durable store. With caching disabled or the engine down these calls
// are silent no-ops (the live response stream is the source of truth).

// AppendStreamChunk appends one chunk to the request's stream buffer and
// refreshes its TTL.
func (s *Store) AppendStreamChunk(ctx context.Context, sessionID, requestID string, chunk StreamChunk) error {
	cached, err := s.useCache(ctx, "append_stream_chunk")
	if err != nil {
		return err
	}
	if !cached {
		return nil
	}
	b, err := s.chunks.Encode(chunk)
	if err != nil {
		return err
	}
	key := s.cfg.StreamKey(sessionID, requestID)
	s.cache.RPush(ctx, key, string(b))
	s.cache.Expire(ctx, key, s.cfg.StreamTTL)
	return nil
}

// ReadStream returns every chunk buffered so far, in append order. Chunks
// that fail to decode are skipped (a partially corrupt buffer should not
// hide the rest).
func (s *Store) ReadStream(ctx context.Context, sessionID, requestID string) ([]StreamChunk, error) {
	cached, err := s.useCache(ctx, "read_stream")
	if err != nil {
		return nil, err
	}
	if !cached {
		return nil, nil
	}
	raw := s.cache.LRange(ctx, s.cfg.StreamKey(sessionID, requestID), 0, -1)
	out := make([]StreamChunk, 0, len(raw))
	for _, r := range raw {
		chunk, err := s.chunks.Decode([]byte(r))
		if err != nil {
			s.hooks.SelfHeal(s.cfg.StreamKey(sessionID, requestID), "chunk_decode")
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

// ClearStream drops the request's buffer, normally once the final message
// has been written via AddMessage.
func (s *Store) ClearStream(ctx context.Context, sessionID, requestID string) error {
	cached, err := s.useCache(ctx, "clear_stream")
	if err != nil {
		return err
	}
	if cached {
		s.cache.Del(ctx, s.cfg.StreamKey(sessionID, requestID))
	}
	return nil
}
