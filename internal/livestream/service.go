// Package livestream relays already-encoded video frames between peers over
// the chat transport. A node either hosts one stream or views one stream,
// never both.
package livestream

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

var (
	ErrAlreadyHosting = errors.New("livestream: already hosting")
	ErrNotHosting     = errors.New("livestream: not hosting")
	ErrViewing        = errors.New("livestream: cannot host while viewing")
	ErrHosting        = errors.New("livestream: cannot view while hosting")
	ErrNoChannel      = errors.New("livestream: channel id required")
	ErrEmptyFrame     = errors.New("livestream: empty frame")
)

// Broadcaster is the part of the transport the service needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message, exclude *transport.PeerAddress) map[transport.PeerAddress]error
}

// Stream is a stream some peer announced.
type Stream struct {
	StreamerID   string
	StreamerName string
}

// Config wires a Service. Callbacks run on the goroutine that delivered the
// message and must return quickly.
type Config struct {
	UserID      string
	DisplayName string
	Transport   Broadcaster
	Logger      *zap.Logger

	OnFrame   func(streamerID string, frameID *int64, frame []byte)
	OnStarted func(s Stream)
	OnEnded   func(streamerID string)
}

// Service tracks hosting and viewing state.
type Service struct {
	cfg Config
	log *zap.Logger

	mu             sync.Mutex
	hosting        bool
	hostingChannel string
	frameID        int64
	viewing        *Stream
	announced      map[string]Stream
	framesSeen     int64
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		log:       cfg.Logger.Named("livestream"),
		announced: make(map[string]Stream),
	}
}

// StartHosting begins a stream in channelID and announces it to every peer.
func (s *Service) StartHosting(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrNoChannel
	}
	s.mu.Lock()
	switch {
	case s.hosting:
		s.mu.Unlock()
		return ErrAlreadyHosting
	case s.viewing != nil:
		s.mu.Unlock()
		return ErrViewing
	}
	s.hosting = true
	s.hostingChannel = channelID
	s.frameID = 0
	s.mu.Unlock()

	s.log.Info("hosting started", zap.String("channel_id", channelID))
	s.broadcast(ctx, protocol.LivestreamStart{StreamerID: s.cfg.UserID, StreamerName: s.cfg.DisplayName})
	return nil
}

// PublishFrame broadcasts one encoded frame and returns its frame id.
func (s *Service) PublishFrame(ctx context.Context, frame []byte) (int64, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	s.mu.Lock()
	if !s.hosting {
		s.mu.Unlock()
		return 0, ErrNotHosting
	}
	s.frameID++
	id := s.frameID
	s.mu.Unlock()

	s.broadcast(ctx, protocol.NewVideoFrame(s.cfg.UserID, frame, &id))
	return id, nil
}

// StopHosting ends the stream. With notify set, peers are told it ended.
func (s *Service) StopHosting(ctx context.Context, notify bool) error {
	s.mu.Lock()
	if !s.hosting {
		s.mu.Unlock()
		return ErrNotHosting
	}
	s.hosting = false
	s.hostingChannel = ""
	sent := s.frameID
	s.mu.Unlock()

	if notify {
		s.broadcast(ctx, protocol.LivestreamEnd{StreamerID: s.cfg.UserID})
	}
	s.log.Info("hosting stopped", zap.Int64("frames", sent), zap.Bool("notified", notify))
	if s.cfg.OnEnded != nil {
		s.cfg.OnEnded(s.cfg.UserID)
	}
	return nil
}

// StartViewing switches to streamerID's stream. Viewing a different stream
// first stops the current one.
func (s *Service) StartViewing(streamerID, streamerName string) error {
	if streamerID == "" {
		return errors.New("livestream: streamer id required")
	}
	s.mu.Lock()
	if s.hosting {
		s.mu.Unlock()
		return ErrHosting
	}
	if s.viewing != nil && s.viewing.StreamerID == streamerID {
		s.mu.Unlock()
		return nil
	}
	if streamerName == "" {
		if a, ok := s.announced[streamerID]; ok {
			streamerName = a.StreamerName
		}
	}
	prev := s.viewing
	s.viewing = &Stream{StreamerID: streamerID, StreamerName: streamerName}
	s.framesSeen = 0
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("switched stream", zap.String("from", prev.StreamerID), zap.String("to", streamerID))
	} else {
		s.log.Info("viewing started", zap.String("streamer_id", streamerID))
	}
	return nil
}

// StopViewing stops watching. It reports whether anything was being watched.
func (s *Service) StopViewing() bool {
	s.mu.Lock()
	prev := s.viewing
	s.viewing = nil
	s.mu.Unlock()
	if prev == nil {
		return false
	}
	s.log.Info("viewing stopped", zap.String("streamer_id", prev.StreamerID))
	return true
}

// ViewingStreamer returns the user id of the stream being watched.
func (s *Service) ViewingStreamer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewing == nil {
		return "", false
	}
	return s.viewing.StreamerID, true
}

// HostingChannel returns the channel being streamed to.
func (s *Service) HostingChannel() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostingChannel, s.hosting
}

// Status is a snapshot of the service state.
type Status struct {
	Hosting        bool
	Channel        string
	FramesSent     int64
	Viewing        *Stream
	FramesReceived int64
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Hosting: s.hosting, Channel: s.hostingChannel, FramesSent: s.frameID, FramesReceived: s.framesSeen}
	if s.viewing != nil {
		v := *s.viewing
		st.Viewing = &v
	}
	return st
}

// Streams returns the streams peers have announced and not yet ended.
func (s *Service) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.announced))
	for _, st := range s.announced {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamerID < out[j].StreamerID })
	return out
}

// Handle applies a livestream message received from a peer. Other message
// types are ignored.
func (s *Service) Handle(from transport.PeerAddress, msg protocol.Message) {
	p, err := protocol.Parse(msg)
	if err != nil {
		s.log.Warn("bad livestream payload", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	switch v := p.(type) {
	case protocol.LivestreamStart:
		s.handleStart(from, v)
	case protocol.LivestreamEnd:
		s.handleEnd(from, v)
	case protocol.VideoFrame:
		s.handleFrame(from, v)
	}
}

func (s *Service) handleStart(from transport.PeerAddress, v protocol.LivestreamStart) {
	if v.StreamerID == "" || v.StreamerID == s.cfg.UserID {
		return
	}
	st := Stream{StreamerID: v.StreamerID, StreamerName: v.StreamerName}
	if st.StreamerName == "" {
		st.StreamerName = "User_" + shortID(v.StreamerID)
	}
	s.mu.Lock()
	s.announced[v.StreamerID] = st
	s.mu.Unlock()

	s.log.Info("stream announced", zap.Stringer("peer", from), zap.String("streamer_id", st.StreamerID), zap.String("name", st.StreamerName))
	if s.cfg.OnStarted != nil {
		s.cfg.OnStarted(st)
	}
}

func (s *Service) handleEnd(from transport.PeerAddress, v protocol.LivestreamEnd) {
	if v.StreamerID == "" || v.StreamerID == s.cfg.UserID {
		return
	}
	s.mu.Lock()
	_, known := s.announced[v.StreamerID]
	delete(s.announced, v.StreamerID)
	watching := s.viewing != nil && s.viewing.StreamerID == v.StreamerID
	if watching {
		s.viewing = nil
	}
	s.mu.Unlock()

	if !known && !watching {
		s.log.Debug("end for unknown stream", zap.Stringer("peer", from), zap.String("streamer_id", v.StreamerID))
		return
	}
	s.log.Info("stream ended", zap.String("streamer_id", v.StreamerID), zap.Bool("was_viewing", watching))
	if s.cfg.OnEnded != nil {
		s.cfg.OnEnded(v.StreamerID)
	}
}

func (s *Service) handleFrame(from transport.PeerAddress, v protocol.VideoFrame) {
	if v.StreamerID == s.cfg.UserID {
		return
	}
	s.mu.Lock()
	watching := s.viewing != nil && s.viewing.StreamerID == v.StreamerID
	if watching {
		s.framesSeen++
	}
	s.mu.Unlock()
	if !watching || v.FrameData == "" {
		return
	}

	frame, err := v.Frame()
	if err != nil {
		s.log.Warn("undecodable frame", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(v.StreamerID, v.FrameID, frame)
	}
}

func (s *Service) broadcast(ctx context.Context, p protocol.Payload) {
	msg, err := protocol.Build(p)
	if err != nil {
		s.log.Error("build failed", zap.String("type", string(p.MessageType())), zap.Error(err))
		return
	}
	if s.cfg.Transport == nil {
		return
	}
	for addr, err := range s.cfg.Transport.Broadcast(ctx, msg, nil) {
		if err != nil {
			s.log.Debug("livestream broadcast failed", zap.Stringer("peer", addr), zap.Error(err))
		}
	}
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
