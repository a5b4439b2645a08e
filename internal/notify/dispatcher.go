package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"streambot/internal/eventbus"
	"streambot/internal/preview"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

// maxParallelSends bounds goroutines per SendNotify/UpdateNotify call. API
// pacing is done by the rate limiter, not by this bound.
const maxParallelSends = 64

type Deps struct {
	Messenger transport.Messenger
	Fetcher   preview.Fetcher
	Directory Directory
	Persister Persister
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Dispatcher struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	msgr    transport.Messenger
	dir     Directory
	bus     eventbus.Bus
	log     logx.Logger
	history *History
	photos  *PhotoCache
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Messenger == nil {
		panic("notify: nil Messenger")
	}
	if deps.Directory == nil {
		deps.Directory = nopDirectory{}
	}
	if deps.Fetcher == nil {
		deps.Fetcher = preview.NewHTTPFetcher(preview.Config{})
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notify"))

	d := &Dispatcher{
		dir: deps.Directory,
		bus: deps.Bus,
		log: log,
	}
	d.msgr = pacedMessenger{next: deps.Messenger, d: d}
	d.history = NewHistory(cfg.HistoryCap, deps.Persister, log)
	d.photos = &PhotoCache{
		msgr:      d.msgr,
		fetch:     deps.Fetcher,
		cfg:       d.Config,
		bus:       deps.Bus,
		log:       log,
		onFailure: d.applyDecision,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the runtime settings. In-flight photo pipelines keep the
// settings they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
	d.history.SetCap(cfg.HistoryCap)
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Dispatcher) History() *History   { return d.history }
func (d *Dispatcher) Photos() *PhotoCache { return d.photos }

// Report summarizes one SendNotify or UpdateNotify call.
type Report struct {
	StreamID    string
	Sent        []Delivered
	Edited      int
	NotModified int
	Kicked      []transport.Recipient
	Migrated    map[transport.Recipient]transport.Recipient
	Failed      map[transport.Recipient]*SendError

	mu sync.Mutex
}

func newReport(streamID string) *Report {
	return &Report{
		StreamID: streamID,
		Migrated: map[transport.Recipient]transport.Recipient{},
		Failed:   map[transport.Recipient]*SendError{},
	}
}

// Err joins the per-recipient failures, ordered by recipient. It is nil when
// every recipient was served or removed.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, r.Failed[transport.Recipient(k)])
	}
	return errors.Join(errs...)
}

func (r *Report) sent(d Delivered) {
	r.mu.Lock()
	r.Sent = append(r.Sent, d)
	r.mu.Unlock()
}

func (r *Report) kicked(to transport.Recipient) {
	r.mu.Lock()
	r.Kicked = append(r.Kicked, to)
	r.mu.Unlock()
}

func (r *Report) migrated(from, to transport.Recipient) {
	r.mu.Lock()
	r.Migrated[from] = to
	r.mu.Unlock()
}

func (r *Report) failed(to transport.Recipient, kind FailureKind, err error) {
	r.mu.Lock()
	r.Failed[to] = &SendError{Recipient: to, Kind: kind, Err: err}
	r.mu.Unlock()
}

func (r *Report) edited(notModified bool) {
	r.mu.Lock()
	if notModified {
		r.NotModified++
	} else {
		r.Edited++
	}
	r.mu.Unlock()
}

// SendNotify delivers a stream notification to every recipient.
//
// With preview candidates and a caption the first recipient gets a freshly
// uploaded photo and the rest reuse its handle. A recipient that turns out to
// be unreachable during the upload is removed and the next one is tried. Any
// other upload failure sends text to the remaining recipients. When
// useCachedPhoto is set and the stream already has a photo handle, no upload
// happens at all.
func (d *Dispatcher) SendNotify(ctx context.Context, recipients []transport.Recipient, caption, text string, s *Stream, useCachedPhoto bool) *Report {
	rep := newReport(s.ID)
	if len(recipients) == 0 {
		return rep
	}
	log := d.log.With(logx.String("dispatch", uuid.NewString()), logx.String("stream", s.ID))
	queue := append([]transport.Recipient(nil), recipients...)

	var photoID string
	switch {
	case len(s.Preview) == 0 || caption == "":
	case useCachedPhoto && s.PhotoID() != "":
		photoID = s.PhotoID()
	default:
		queue, photoID = d.resolvePhoto(ctx, log, s, caption, queue, rep)
	}

	d.sendAll(ctx, log, s, caption, text, photoID, queue, rep)

	log.Debug("notify sent",
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", len(rep.Sent)),
		logx.Int("kicked", len(rep.Kicked)),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep
}

// resolvePhoto obtains a photo handle for s, consuming recipients from the
// head of queue as upload targets. It returns the recipients still to be
// served and the handle, or "" when the batch falls back to text.
func (d *Dispatcher) resolvePhoto(ctx context.Context, log logx.Logger, s *Stream, caption string, queue []transport.Recipient, rep *Report) ([]transport.Recipient, string) {
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return queue, ""
		}
		to := queue[0]
		ref, joined, err := d.photos.Acquire(ctx, s, to, caption)

		if joined {
			switch {
			case err == nil:
				s.SetPhotoID(ref.PhotoID)
				return queue, ref.PhotoID
			case errors.Is(err, ErrRecipientUnreachable):
				continue
			default:
				log.Debug("shared photo acquisition failed", logx.Err(err))
				return queue, ""
			}
		}

		if err == nil {
			s.SetPhotoID(ref.PhotoID)
			d.delivered(ctx, s, rep, Delivered{Kind: KindPhoto, Recipient: to, MessageID: ref.MessageID, At: time.Now()})
			return queue[1:], ref.PhotoID
		}
		if errors.Is(err, ErrRecipientUnreachable) {
			rep.kicked(to)
			queue = queue[1:]
			continue
		}
		var mig *ChatMigratedError
		if errors.As(err, &mig) {
			// The old id is gone; the rest of the batch still gets text.
			rep.migrated(mig.From, mig.To)
			rep.failed(to, FailureUnexpected, err)
			queue = queue[1:]
		}
		log.Warn("photo acquisition failed, sending text", logx.String("chat", to.String()), logx.Err(err))
		return queue, ""
	}
	return queue, ""
}

func (d *Dispatcher) sendAll(ctx context.Context, log logx.Logger, s *Stream, caption, text, photoID string, queue []transport.Recipient, rep *Report) {
	if text == "" {
		text = caption
	}
	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, to := range queue {
		to := to
		g.Go(func() error {
			d.sendOne(ctx, log, s, to, caption, text, photoID, rep)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, log logx.Logger, s *Stream, to transport.Recipient, caption, text, photoID string, rep *Report) {
	var (
		ref  transport.MessageRef
		err  error
		kind = KindText
	)
	if photoID != "" && caption != "" {
		kind = KindPhoto
		ref, err = d.msgr.SendPhoto(ctx, to, transport.Photo{FileID: photoID}, caption)
	} else {
		ref, err = d.msgr.SendText(ctx, to, text, d.Config().sendOptions())
	}
	if err == nil {
		d.delivered(ctx, s, rep, Delivered{Kind: kind, Recipient: to, MessageID: ref.MessageID, At: time.Now()})
		return
	}

	dec := d.applyDecision(ctx, s.ID, to, err)
	if dec.MigrateTo != "" {
		rep.migrated(to, dec.MigrateTo)
	}
	if dec.Kick {
		rep.kicked(to)
		return
	}
	log.Warn("send failed", logx.String("chat", to.String()), logx.String("kind", string(kind)), logx.String("class", dec.Kind.String()), logx.Err(err))
	rep.failed(to, dec.Kind, err)
	eventbus.Publish(d.bus, eventbus.NotifyFailed, eventbus.DispatchEvent{StreamID: s.ID, Recipient: to.String(), Kind: string(kind), Error: err.Error()})
}

func (d *Dispatcher) delivered(ctx context.Context, s *Stream, rep *Report, m Delivered) {
	d.history.Record(ctx, s, m)
	rep.sent(m)
	eventbus.Publish(d.bus, eventbus.NotifySent, eventbus.DispatchEvent{StreamID: s.ID, Recipient: m.Recipient.String(), Kind: string(m.Kind)})
}

// applyDecision classifies err and performs the directory changes it calls
// for. Directory calls outlive ctx cancellation.
func (d *Dispatcher) applyDecision(ctx context.Context, streamID string, to transport.Recipient, err error) Decision {
	dec := Classify(err, to)
	dctx := context.WithoutCancel(ctx)

	if dec.MigrateTo != "" {
		d.log.Info("chat migrated", logx.String("from", to.String()), logx.String("to", dec.MigrateTo.String()))
		if merr := d.dir.MigrateChat(dctx, to, dec.MigrateTo); merr != nil {
			d.log.Warn("migrate chat failed", logx.String("from", to.String()), logx.String("to", dec.MigrateTo.String()), logx.Err(merr))
		}
		eventbus.Publish(d.bus, eventbus.NotifyMigrated, eventbus.DispatchEvent{StreamID: streamID, Recipient: to.String(), Target: dec.MigrateTo.String()})
	}

	if dec.Kick {
		var rerr error
		switch dec.Removal {
		case RemoveChannel:
			rerr = d.dir.RemoveChannel(dctx, to)
		default:
			rerr = d.dir.RemoveChat(dctx, to)
		}
		d.log.Info("recipient removed", logx.String("chat", to.String()), logx.String("removal", dec.Removal.String()), logx.String("class", dec.Kind.String()))
		if rerr != nil {
			d.log.Warn("remove recipient failed", logx.String("chat", to.String()), logx.Err(rerr))
		}
		eventbus.Publish(d.bus, eventbus.NotifyKicked, eventbus.DispatchEvent{StreamID: streamID, Recipient: to.String(), Kind: dec.Removal.String(), Error: err.Error()})
	}
	return dec
}

// UpdateNotify edits every recorded message of s with its current Caption
// (photos) or Text (text messages). "Not modified" answers are no-ops; a
// message that no longer exists is dropped from the history. Edit failures
// never remove recipients.
func (d *Dispatcher) UpdateNotify(ctx context.Context, s *Stream) *Report {
	rep := newReport(s.ID)
	msgs := d.history.List(s)
	if len(msgs) == 0 {
		return rep
	}
	caption, text := s.Caption, s.Text
	if text == "" {
		text = caption
	}
	opt := d.Config().sendOptions()

	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			var err error
			switch m.Kind {
			case KindPhoto:
				err = d.msgr.EditCaption(ctx, m.Ref(), caption)
			default:
				err = d.msgr.EditText(ctx, m.Ref(), text, opt)
			}
			d.edited(ctx, s, m, err, rep)
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (d *Dispatcher) edited(ctx context.Context, s *Stream, m Delivered, err error, rep *Report) {
	if err == nil {
		rep.edited(false)
		eventbus.Publish(d.bus, eventbus.NotifyEdited, eventbus.DispatchEvent{StreamID: s.ID, Recipient: m.Recipient.String(), Kind: string(m.Kind)})
		return
	}
	dec := Classify(err, m.Recipient)
	switch dec.Kind {
	case FailureNotModified:
		rep.edited(true)
	case FailureMessageGone:
		d.RemoveMessage(ctx, s, m)
	default:
		d.log.Warn("edit failed", logx.String("stream", s.ID), logx.String("chat", m.Recipient.String()), logx.Int("message_id", m.MessageID), logx.String("class", dec.Kind.String()), logx.Err(err))
		rep.failed(m.Recipient, dec.Kind, err)
	}
}

// RemoveMessage drops m from the stream history.
func (d *Dispatcher) RemoveMessage(ctx context.Context, s *Stream, m Delivered) bool {
	ok := d.history.Remove(ctx, s, m)
	if ok {
		d.log.Debug("message dropped from history", logx.String("stream", s.ID), logx.String("chat", m.Recipient.String()), logx.Int("message_id", m.MessageID))
	}
	return ok
}

// pacedMessenger applies the dispatcher's rate limit and per-call timeout.
type pacedMessenger struct {
	next transport.Messenger
	d    *Dispatcher
}

func (p pacedMessenger) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	p.d.mu.RLock()
	lim := p.d.limiter
	timeout := p.d.cfg.SendTimeout
	p.d.mu.RUnlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	return cctx, cancel, nil
}

func (p pacedMessenger) SendText(ctx context.Context, to transport.Recipient, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	cctx, cancel, err := p.begin(ctx)
	if err != nil {
		return transport.MessageRef{}, err
	}
	defer cancel()
	return p.next.SendText(cctx, to, text, opt)
}

func (p pacedMessenger) SendPhoto(ctx context.Context, to transport.Recipient, photo transport.Photo, caption string) (transport.MessageRef, error) {
	cctx, cancel, err := p.begin(ctx)
	if err != nil {
		return transport.MessageRef{}, err
	}
	defer cancel()
	return p.next.SendPhoto(cctx, to, photo, caption)
}

func (p pacedMessenger) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	cctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return p.next.EditText(cctx, ref, text, opt)
}

func (p pacedMessenger) EditCaption(ctx context.Context, ref transport.MessageRef, caption string) error {
	cctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return p.next.EditCaption(cctx, ref, caption)
}
