package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/securemedia/av/rtp"
	"github.com/opd-ai/securemedia/av/security"
	"github.com/opd-ai/securemedia/keystore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type callOptions struct {
	Packets  int
	Video    bool
	Loss     float64
	Seed     int64
	Timeout  time.Duration
	Verify   bool
	CacheDir string
	Password string
	Redis    string
}

// callReport summarizes one loopback call.
type callReport struct {
	SAS          string
	Cipher       string
	VideoSecured bool
	Sent         int
	Delivered    int
	Intact       int
	Metrics      map[string]float64
}

func callCmd() *cobra.Command {
	opts := callOptions{}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Run a ZRTP secured call between two local parties over a lossy link",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runCall(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if report.Intact != report.Delivered {
				return fmt.Errorf("%d of %d delivered packets were corrupted", report.Delivered-report.Intact, report.Delivered)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Packets, "packets", 50, "media packets to send per stream")
	f.BoolVar(&opts.Video, "video", false, "add a multistream video stream")
	f.Float64Var(&opts.Loss, "loss", 0.1, "packet loss probability of the link")
	f.Int64Var(&opts.Seed, "seed", 1, "seed of the loss generator")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "key agreement timeout")
	f.BoolVar(&opts.Verify, "verify", false, "mark the SAS as verified on both sides")
	f.StringVar(&opts.CacheDir, "cache-dir", "", "store ZID caches encrypted under this directory")
	f.StringVar(&opts.Password, "cache-password", "", "password of the ZID cache directory")
	f.StringVar(&opts.Redis, "redis", "", "store ZID caches in Redis at this address")
	return cmd
}

// link delivers packets to an engine on its own goroutine and drops a
// random share of them.
type link struct {
	ch   chan []byte
	dst  atomic.Pointer[security.TransformEngine]
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu   sync.Mutex
	rng  *rand.Rand
	loss float64

	dropped atomic.Int64
}

func newLink(loss float64, seed int64) *link {
	l := &link{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(seed)),
		loss: loss,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *link) lose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loss > 0 && l.rng.Float64() < l.loss {
		l.dropped.Add(1)
		return true
	}
	return false
}

// Write implements io.Writer for the engine's outgoing ZRTP packets.
func (l *link) Write(b []byte) (int, error) {
	if l.lose() {
		return len(b), nil
	}
	select {
	case l.ch <- append([]byte(nil), b...):
	default:
		l.dropped.Add(1)
	}
	return len(b), nil
}

func (l *link) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case b := <-l.ch:
			if dst := l.dst.Load(); dst != nil {
				dst.ReverseTransform(rtp.NewRawPacket(b))
			}
		}
	}
}

func (l *link) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

type callParty struct {
	name         string
	audio, video *security.Control
	audioOut     *link
	videoOut     *link
	closers      []io.Closer
}

func (p *callParty) Close() error {
	var errs []error
	if p.video != nil {
		errs = append(errs, p.video.Close())
	}
	if p.audio != nil {
		errs = append(errs, p.audio.Close())
	}
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// cacheOpener picks the ZID cache backend for one party.
func cacheOpener(ctx context.Context, opts callOptions, name string) (keystore.CacheOpener, io.Closer, error) {
	switch {
	case opts.Redis != "":
		cfg := keystore.DefaultRedisConfig()
		cfg.Addr = opts.Redis
		cfg.Prefix = "securemedia:" + name + ":"
		backend, err := keystore.DialRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return keystore.BackendOpener{Backend: backend}, backend, nil
	case opts.CacheDir != "":
		if opts.Password == "" {
			return nil, nil, errors.New("--cache-password is required with --cache-dir")
		}
		return keystore.FileOpener{Dir: filepath.Join(opts.CacheDir, name), Password: []byte(opts.Password)}, nil, nil
	default:
		backend := keystore.NewMemoryBackend()
		return keystore.BackendOpener{Backend: backend}, backend, nil
	}
}

func newCallParty(ctx context.Context, opts callOptions, cfg *security.Config, sched *security.Scheduler,
	salts security.PropertyStore, name, peer string, seed int64,
) (*callParty, error) {
	p := &callParty{
		name:     name,
		audioOut: newLink(opts.Loss, seed),
		videoOut: newLink(opts.Loss, seed+1),
	}
	p.closers = append(p.closers, p.audioOut, p.videoOut)

	opener, closer, err := cacheOpener(ctx, opts, name)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if closer != nil {
		p.closers = append(p.closers, closer)
	}
	salt, err := security.AccountSalt(salts, saltProperty)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	trustStore := keystore.NewStore(keystore.NewMemoryBackend())
	base := security.ControlOptions{
		Config:       cfg,
		Scheduler:    sched,
		Opener:       opener,
		Trust:        keystore.NewTrustManager(trustStore, nil),
		AccountSalt:  salt,
		PeerBare:     peer,
		IdentityFile: name + ".zid",
	}

	audioOpts := base
	audioOpts.Writer = p.audioOut
	if p.audio, err = security.NewControl(audioOpts); err != nil {
		_ = p.Close()
		return nil, err
	}
	if opts.Video {
		videoOpts := base
		videoOpts.Writer = p.videoOut
		if p.video, err = security.NewControl(videoOpts); err != nil {
			_ = p.Close()
			return nil, err
		}
		p.video.SetMultistream(p.audio)
	}
	return p, nil
}

func (p *callParty) start(video bool) error {
	if video {
		if err := p.video.Start(security.MediaVideo); err != nil {
			return fmt.Errorf("%s video: %w", p.name, err)
		}
	}
	if err := p.audio.Start(security.MediaAudio); err != nil {
		return fmt.Errorf("%s audio: %w", p.name, err)
	}
	return nil
}

func describeEvent(ev security.SecurityEvent) string {
	switch e := ev.(type) {
	case security.SecureOn:
		return fmt.Sprintf("secure cipher=%s sas=%s verified=%t multistream=%t", e.Cipher, e.SAS, e.Verified, e.MultiStream)
	case security.SecureOff:
		return "not secure"
	case security.SASEvent:
		return fmt.Sprintf("sas %s verified=%t", e.SAS, e.Verified)
	case security.Warning:
		return fmt.Sprintf("warning code=%d", e.Code)
	case security.Severe:
		return fmt.Sprintf("severe code=%d", e.Code)
	case security.NegotiationFailed:
		return fmt.Sprintf("negotiation failed severity=%s code=%d", e.Severity, e.Code)
	case security.Timeout:
		return "timeout"
	case security.NotSupported:
		return "peer does not support ZRTP"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// waitSecure prints the stream's events until it is secured or the key
// agreement fails.
func waitSecure(ctx context.Context, out io.Writer, label string, ctl *security.Control) (security.SecureOn, error) {
	for {
		select {
		case <-ctx.Done():
			return security.SecureOn{}, fmt.Errorf("%s: %w", label, ctx.Err())
		case ev, ok := <-ctl.Events():
			if !ok {
				return security.SecureOn{}, fmt.Errorf("%s: event channel closed", label)
			}
			fmt.Fprintf(out, "[%s] %s\n", label, describeEvent(ev))
			switch e := ev.(type) {
			case security.SecureOn:
				return e, nil
			case security.NegotiationFailed, security.NotSupported:
				return security.SecureOn{}, fmt.Errorf("%s: %s", label, describeEvent(e))
			}
		}
	}
}

// sendMedia pushes packets from one control to the other through the lossy
// link and counts the payloads that arrived intact.
func sendMedia(from, to *security.Control, l *link, clockRate uint32, payloadType uint8, packets int, r *callReport) error {
	packetizer, err := rtp.NewPacketizer(clockRate, payloadType)
	if err != nil {
		return err
	}
	depacketizer := rtp.NewDepacketizer()
	samples := clockRate / 50

	for i := 0; i < packets; i++ {
		payload := []byte(fmt.Sprintf("frame %d", i))
		pkt, err := packetizer.Packetize(payload, samples)
		if err != nil {
			return err
		}
		enc := from.Engine().Transform(pkt)
		if enc == nil {
			return fmt.Errorf("packet %d was not protected", i)
		}
		r.Sent++
		if l.lose() {
			continue
		}
		dec := to.Engine().ReverseTransform(enc)
		if dec == nil {
			continue
		}
		r.Delivered++
		got, _, err := depacketizer.Process(dec)
		if err == nil && bytes.Equal(got, payload) {
			r.Intact++
		}
	}
	return nil
}

func gatherCounters(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	values := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}
	return values, nil
}

func securityConfig(reg prometheus.Registerer) *security.Config {
	cfg := security.DefaultConfig()
	cfg.Metrics = security.NewMetrics(reg)
	if id := props.GetString("zrtp.client_id"); id != "" {
		cfg.ZRTP.ClientID = id
	}
	if props.IsSet("zrtp.allow_clear") {
		cfg.ZRTP.AllowClear = props.GetBool("zrtp.allow_clear")
	}
	if w := props.GetUint("srtp.replay_window"); w > 0 {
		cfg.ReplayWindow = w
	}
	return cfg
}

// runCall sets up alice and bob, secures their streams and exchanges media.
func runCall(ctx context.Context, opts callOptions, out io.Writer) (*callReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Loss < 0 || opts.Loss >= 1 {
		return nil, fmt.Errorf("loss %.2f outside [0, 1)", opts.Loss)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	reg := prometheus.NewRegistry()
	cfg := securityConfig(reg)
	sched := security.NewScheduler()
	defer sched.Stop()

	alice, err := newCallParty(ctx, opts, cfg, sched, props, "alice", "bob@example.org", opts.Seed)
	if err != nil {
		return nil, err
	}
	defer alice.Close()
	bob, err := newCallParty(ctx, opts, cfg, sched, viper.New(), "bob", "alice@example.org", opts.Seed+2)
	if err != nil {
		return nil, err
	}
	defer bob.Close()

	alice.audioOut.dst.Store(bob.audio.Engine())
	bob.audioOut.dst.Store(alice.audio.Engine())
	if opts.Video {
		alice.videoOut.dst.Store(bob.video.Engine())
		bob.videoOut.dst.Store(alice.video.Engine())
	}

	logrus.WithFields(logrus.Fields{
		"function": "runCall",
		"loss":     opts.Loss,
		"video":    opts.Video,
	}).Info("Starting loopback call")

	if err := alice.start(opts.Video); err != nil {
		return nil, err
	}
	if err := bob.start(opts.Video); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	aliceOn, err := waitSecure(waitCtx, out, "alice/audio", alice.audio)
	if err != nil {
		return nil, err
	}
	bobOn, err := waitSecure(waitCtx, out, "bob/audio", bob.audio)
	if err != nil {
		return nil, err
	}
	if aliceOn.SAS != bobOn.SAS {
		return nil, fmt.Errorf("SAS mismatch: alice %q, bob %q", aliceOn.SAS, bobOn.SAS)
	}

	report := &callReport{SAS: aliceOn.SAS, Cipher: aliceOn.Cipher}
	fmt.Fprintf(out, "SAS: %s  cipher: %s\n", report.SAS, report.Cipher)

	if opts.Verify {
		for _, p := range []*callParty{alice, bob} {
			if err := p.audio.SetSASVerification(true); err != nil {
				return nil, err
			}
			state, err := p.audio.PeerTrust()
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(out, "[%s] peer %s fingerprint %s is %s\n", p.name, p.audio.PeerDevice().Name, p.audio.PeerFingerprint(), state)
		}
	}

	if err := sendMedia(alice.audio, bob.audio, alice.audioOut, 48000, 111, opts.Packets, report); err != nil {
		return nil, err
	}
	if err := sendMedia(bob.audio, alice.audio, bob.audioOut, 48000, 111, opts.Packets, report); err != nil {
		return nil, err
	}

	if opts.Video {
		if _, err := waitSecure(waitCtx, out, "alice/video", alice.video); err != nil {
			return nil, err
		}
		if _, err := waitSecure(waitCtx, out, "bob/video", bob.video); err != nil {
			return nil, err
		}
		report.VideoSecured = true
		if err := sendMedia(alice.video, bob.video, alice.videoOut, 90000, 96, opts.Packets, report); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(out, "media: sent=%d delivered=%d intact=%d\n", report.Sent, report.Delivered, report.Intact)

	if report.Metrics, err = gatherCounters(reg); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(report.Metrics))
	for name := range report.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := report.Metrics[name]; v != 0 {
			fmt.Fprintf(out, "%s %g\n", name, v)
		}
	}
	return report, nil
}
