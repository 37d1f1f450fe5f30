package pane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vibez/internal/message"
)

const (
	DefaultPageSize     = 30
	DefaultWriteTimeout = 15 * time.Second
)

var (
	ErrClosed        = errors.New("pane closed")
	ErrAlreadyOpen   = errors.New("pane already opened")
	ErrNotFound      = errors.New("message not in pane")
	ErrNotResendable = errors.New("message cannot be resent")
	ErrNoUploader    = errors.New("no uploader configured")
)

type State int

const (
	StateEmpty State = iota
	StateLoadingInitial
	StateReady
	StateLoadingMore
	// StateReceiving is transient: a batch merges within one loop turn, so
	// View never reports it.
	StateReceiving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoadingInitial:
		return "loading-initial"
	case StateReady:
		return "ready"
	case StateLoadingMore:
		return "loading-more"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	ConversationID string
	UserID         string
	// AssistantID is the sender id of the AI participant, if any.
	AssistantID  string
	PageSize     int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
	NewID        func() string
}

// View is a copy of the pane state for rendering.
type View struct {
	State    State
	Messages []message.Message
	HasMore  bool
	Unseen   int
	// SnapSeq grows each time the view should jump to the newest message.
	SnapSeq  uint64
	Progress map[string]float64
}

// Pane is the message view of one open conversation. A single goroutine
// owns the sequence; every mutation, including late results from writes,
// uploads and fetches, is posted to it.
type Pane struct {
	cfg      Config
	store    Store
	uploader Uploader
	log      *zap.Logger

	ops     chan func()
	quit    chan struct{}
	updates chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once

	// loop-owned
	state   State
	seq     *Sequence
	oldest  message.Cursor
	hasMore bool
	follow  *Follow
	snapSeq uint64
	uploads uploads
	// tail closes when the last queued write has finished.
	tail chan struct{}
}

// New starts the pane loop. uploader may be nil if attachments are not used.
func New(store Store, uploader Uploader, cfg Config) *Pane {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pane{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		log:      cfg.Logger.With(zap.String("conversation_id", cfg.ConversationID)),
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		updates:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		seq:      NewSequence(),
		follow:   NewFollow(cfg.UserID, cfg.AssistantID),
		uploads:  make(uploads),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Pane) run() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.ops:
			fn()
		case <-p.quit:
			return
		}
	}
}

// post hands fn to the loop. It returns false once the pane is closed,
// in which case fn never runs.
func (p *Pane) post(fn func()) bool {
	select {
	case p.ops <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (p *Pane) call(fn func()) error {
	done := make(chan struct{})
	if !p.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	<-done
	return nil
}

func (p *Pane) notify() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *Pane) snap() {
	p.snapSeq++
}

// Updates signals that View has changed. Signals coalesce.
func (p *Pane) Updates() <-chan struct{} { return p.updates }

func (p *Pane) View() View {
	var v View
	err := p.call(func() {
		v = View{
			State:    p.state,
			Messages: p.seq.Snapshot(),
			HasMore:  p.hasMore,
			Unseen:   p.follow.Unseen,
			SnapSeq:  p.snapSeq,
			Progress: p.uploads.snapshot(),
		}
	})
	if err != nil {
		return View{State: StateClosed}
	}
	return v
}

func (p *Pane) State() State {
	return p.View().State
}

// Scrolled feeds viewport geometry into the follow policy.
func (p *Pane) Scrolled(offset, contentHeight, visibleHeight int) {
	p.post(func() {
		before := p.follow.Unseen
		p.follow.Scrolled(offset, contentHeight, visibleHeight)
		if before != p.follow.Unseen {
			p.notify()
		}
	})
}

// ---------------------------------------------
// 📥 Loading
// ---------------------------------------------

// Open loads the newest page, subscribes to everything after it and marks
// the conversation read.
func (p *Pane) Open(ctx context.Context) error {
	var ok bool
	if err := p.call(func() {
		if p.state == StateEmpty {
			p.state = StateLoadingInitial
			ok = true
		}
	}); err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyOpen
	}

	page, err := p.store.FetchPage(ctx, p.cfg.ConversationID, "", p.cfg.PageSize)
	if err != nil {
		p.post(func() { p.state = StateEmpty })
		return fmt.Errorf("load initial page: %w", err)
	}

	var after message.Cursor
	if err := p.call(func() {
		p.seq.Prepend(ascending(page.Messages))
		p.oldest = page.Next
		p.hasMore = len(page.Messages) == p.cfg.PageSize
		if newest, ok := p.seq.Newest(); ok {
			after = newest.Cursor
		}
		p.state = StateReady
		p.snap()
		p.notify()
	}); err != nil {
		return err
	}

	batches, err := p.store.Watch(p.ctx, p.cfg.ConversationID, after)
	if err != nil {
		p.log.Warn("subscription failed, history will not update", zap.Error(err))
	} else {
		p.wg.Add(1)
		go p.pump(batches)
	}

	if err := p.store.MarkRead(ctx, p.cfg.ConversationID, p.cfg.UserID); err != nil {
		p.log.Warn("mark read failed", zap.Error(err))
	}
	return nil
}

func (p *Pane) pump(batches <-chan message.Batch) {
	defer p.wg.Done()
	for {
		select {
		case b, ok := <-batches:
			if !ok {
				if p.ctx.Err() == nil {
					p.log.Warn("subscription closed, history may be stale")
				}
				return
			}
			if !p.post(func() { p.receive(b) }) {
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (p *Pane) receive(b message.Batch) {
	res := Merge(p.seq, b.Changes)
	if !res.Changed() {
		return
	}
	if p.follow.Appended(res.Appended...) {
		p.snap()
	}
	p.notify()
}

// LoadMore prepends the next older page. It returns how many messages were
// added; zero with a nil error means there was nothing to do.
func (p *Pane) LoadMore(ctx context.Context) (int, error) {
	var (
		cursor message.Cursor
		ok     bool
	)
	if err := p.call(func() {
		if p.state == StateReady && p.hasMore && p.oldest != "" {
			p.state = StateLoadingMore
			cursor = p.oldest
			ok = true
		}
	}); err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	page, err := p.store.FetchPage(ctx, p.cfg.ConversationID, cursor, p.cfg.PageSize)
	if err != nil {
		p.log.Warn("load more failed", zap.Error(err))
		p.post(func() { p.state = StateReady })
		return 0, fmt.Errorf("load older messages: %w", err)
	}

	var added int
	if err := p.call(func() {
		p.state = StateReady
		if len(page.Messages) == 0 {
			p.hasMore = false
			return
		}
		added = p.seq.Prepend(ascending(page.Messages))
		p.oldest = page.Next
		p.hasMore = len(page.Messages) == p.cfg.PageSize
		p.notify()
	}); err != nil {
		return 0, err
	}
	return added, nil
}

func ascending(desc []message.Message) []message.Message {
	out := make([]message.Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out
}

// ---------------------------------------------
// 📤 Sending
// ---------------------------------------------

// Send shows c immediately as a sending bubble and writes it in the
// background. Writes reach the store in the order they were sent. It returns
// the correlation id of the new message.
func (p *Pane) Send(c message.Content) (string, error) {
	if err := message.Validate(c); err != nil {
		return "", err
	}
	id := p.cfg.NewID()
	if err := p.call(func() {
		p.appendLocal(id, c)
		p.enqueue(message.Draft{CorrelationID: id, SenderID: p.cfg.UserID, Content: c})
	}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Pane) SendText(text string) (string, error) {
	return p.Send(message.Text{Body: text})
}

func (p *Pane) appendLocal(id string, c message.Content) {
	m := message.Message{
		CorrelationID:  id,
		ConversationID: p.cfg.ConversationID,
		SenderID:       p.cfg.UserID,
		Content:        c,
		Timestamp:      p.cfg.Now(),
		Status:         message.StatusSending,
	}
	p.seq.Append(m)
	if p.follow.Appended(m) {
		p.snap()
	}
	p.notify()
}

// enqueue starts d's write once every earlier write has finished. It runs
// on the loop. Writes are not tied to the pane's lifetime: a send survives
// navigation.
func (p *Pane) enqueue(d message.Draft) {
	prev, done := p.tail, make(chan struct{})
	p.tail = done
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		p.write(d)
	}()
}

// write makes one attempt. A failure marks only d's message.
func (p *Pane) write(d message.Draft) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	if err := p.store.WriteMessage(ctx, p.cfg.ConversationID, d); err != nil {
		p.log.Warn("send failed", zap.String("correlation_id", d.CorrelationID), zap.Error(err))
		p.post(func() { p.fail(d.CorrelationID) })
	}
}

// fail marks a local message as errored unless a confirmation beat it here.
func (p *Pane) fail(id string) {
	i, ok := p.seq.Lookup(id)
	if !ok {
		return
	}
	m := p.seq.At(i)
	if m.Status != message.StatusSending {
		return
	}
	m.Status = message.StatusError
	p.seq.Replace(i, m)
	p.notify()
}

// Resend drops a failed message and sends its content again under a new
// correlation id. Attachments must be picked again.
func (p *Pane) Resend(id string) (string, error) {
	var (
		c   message.Content
		err error
	)
	if cerr := p.call(func() {
		i, ok := p.seq.Lookup(id)
		if !ok {
			err = ErrNotFound
			return
		}
		m := p.seq.At(i)
		if _, media := m.Content.(message.Media); media || m.Status != message.StatusError {
			err = ErrNotResendable
			return
		}
		c = m.Content
		p.seq.Remove(id)
	}); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	return p.Send(c)
}

// SendFile shows a placeholder bubble with upload progress, uploads the
// attachment and then writes a media message.
func (p *Pane) SendFile(a Attachment, caption string) (string, error) {
	if p.uploader == nil {
		return "", ErrNoUploader
	}
	id := p.cfg.NewID()
	ctx, cancel := context.WithCancel(context.Background())
	preview := message.Media{
		File:    message.File{URL: a.Preview, Type: a.ContentType, Name: a.Name},
		Caption: caption,
	}
	if err := p.call(func() {
		p.uploads.start(id, cancel)
		p.appendLocal(id, preview)
	}); err != nil {
		cancel()
		return "", err
	}
	go p.upload(ctx, id, a, caption)
	return id, nil
}

func (p *Pane) upload(ctx context.Context, id string, a Attachment, caption string) {
	file, err := p.uploader.Upload(ctx, a, func(pct float64) {
		p.post(func() {
			if p.uploads.set(id, pct) {
				p.notify()
			}
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled; the bubble is already gone.
			return
		}
		p.log.Warn("upload failed", zap.String("correlation_id", id), zap.Error(err))
		p.post(func() {
			if cancel, ok := p.uploads.finish(id); ok {
				cancel()
			}
			p.fail(id)
		})
		return
	}

	// The attachment takes its place in the conversation when it is
	// written, so its bubble moves behind anything sent meanwhile.
	p.post(func() {
		cancel, ok := p.uploads.finish(id)
		if !ok {
			return
		}
		cancel()
		if i, found := p.seq.Lookup(id); found {
			m := p.seq.At(i)
			if p.seq.Remove(id) {
				p.seq.Append(m)
			}
			p.notify()
		}
		p.enqueue(message.Draft{
			CorrelationID: id,
			SenderID:      p.cfg.UserID,
			Content:       message.Media{File: file, Caption: caption},
		})
	})
}

// CancelUpload aborts an upload that has not finished and removes its
// bubble. It reports false if id is not uploading.
func (p *Pane) CancelUpload(id string) bool {
	var found bool
	p.call(func() {
		cancel, ok := p.uploads.finish(id)
		if !ok {
			return
		}
		cancel()
		p.seq.Remove(id)
		found = true
		p.notify()
	})
	return found
}

// ---------------------------------------------
// ✨ Other actions
// ---------------------------------------------

// React toggles emoji for the current user, showing the result at once and
// reverting if the store rejects it.
func (p *Pane) React(ctx context.Context, messageID, emoji string) error {
	var (
		prev  []message.Reaction
		found bool
	)
	if err := p.call(func() {
		i, ok := p.seq.FindID(messageID)
		if !ok {
			return
		}
		m := p.seq.At(i)
		prev = m.Reactions
		m.Reactions = message.ToggleReaction(m.Reactions, emoji, p.cfg.UserID)
		p.seq.Replace(i, m)
		found = true
		p.notify()
	}); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := p.store.React(ctx, p.cfg.ConversationID, messageID, emoji, p.cfg.UserID); err != nil {
		p.post(func() {
			if i, ok := p.seq.FindID(messageID); ok {
				m := p.seq.At(i)
				m.Reactions = prev
				p.seq.Replace(i, m)
				p.notify()
			}
		})
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// Delete tombstones one of the user's own messages. The change arrives
// back through the subscription.
func (p *Pane) Delete(ctx context.Context, messageID string) error {
	if err := p.store.DeleteMessage(ctx, p.cfg.ConversationID, messageID, p.cfg.UserID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (p *Pane) SetTyping(ctx context.Context, typing bool) error {
	return p.store.SetTyping(ctx, p.cfg.ConversationID, p.cfg.UserID, typing)
}

// Close stops the subscription, aborts uploads and discards the pane state.
// Writes already issued run to completion; their results are dropped.
func (p *Pane) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.quit)
		p.wg.Wait()
		p.state = StateClosed
		p.seq = NewSequence()
		for id, up := range p.uploads {
			up.cancel()
			delete(p.uploads, id)
		}
	})
}
