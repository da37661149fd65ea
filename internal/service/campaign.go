package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"blast/internal/domain"
	"blast/internal/store"
	"blast/internal/util"
	"blast/internal/worker"
)

const DefaultMaxImageBytes = 5 << 20

type Store interface {
	Put(ctx context.Context, c domain.Campaign) error
	Get(ctx context.Context, id string) (domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
	Remove(ctx context.Context, id string) error
	ListActivities(ctx context.Context, limit int) ([]store.Activity, error)
}

type Runner interface {
	Start(ctx context.Context, c *domain.Campaign) (*worker.Run, error)
	Resume(ctx context.Context, id string) (*worker.Run, error)
	Stop(id string) error
	StopRemote(ctx context.Context, id string) error
	Snapshot() worker.Snapshot
}

type Gateway interface {
	Status(ctx context.Context) (domain.GatewayStatus, error)
	SendText(ctx context.Context, destination, text string) error
	SendImage(ctx context.Context, destination string, image []byte, mime, caption string) error
	Reconnect(ctx context.Context) (domain.SendResponse, error)
	Logout(ctx context.Context) (domain.SendResponse, error)
}

type ActivityRecorder interface {
	Record(ctx context.Context, t domain.EventType, c domain.Campaign, detail string) error
}

type CampaignService struct {
	Store    Store
	Runner   Runner
	Gateway  Gateway
	Activity ActivityRecorder

	CountryCode    string
	ValidatePhones bool
	JIDDomain      string
	MaxImageBytes  int
	ActivityLimit  int
	Now            func() time.Time
}

// Create stores a new campaign. A future ScheduledAt (or StartNow=false) saves it as
// scheduled; otherwise it starts immediately and nothing is written if the start fails.
func (s *CampaignService) Create(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	if err := s.checkImage(req.Image); err != nil {
		return domain.Campaign{}, err
	}
	contacts, err := s.normalizeContacts(req.Contacts)
	if err != nil {
		return domain.Campaign{}, err
	}

	now := s.now()
	c := domain.Campaign{
		ID:        util.NewCampaignID(),
		Name:      strings.TrimSpace(req.Name),
		Contacts:  contacts,
		Message:   req.Message,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
		Delay:     req.Delay,
		CreatedAt: now,
	}
	if c.Name == "" {
		c.Name = "Campaign " + now.Format("2006-01-02 15:04")
	}
	if len(c.Image) > 0 && c.ImageMIME == "" {
		c.ImageMIME = http.DetectContentType(c.Image)
	}
	c.ResetOutcomes()

	startNow := req.StartNow == nil || *req.StartNow
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		startNow = false
	}

	if !startNow {
		c.Status = domain.StatusScheduled
		if err := s.Store.Put(ctx, c); err != nil {
			return domain.Campaign{}, err
		}
		slog.Info("campaign scheduled", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt, "total", len(c.Contacts))
		s.record(ctx, domain.EventCreated, c, scheduleDetail(c))
		return c, nil
	}

	if _, err := s.Runner.Start(ctx, &c); err != nil {
		return domain.Campaign{}, err
	}
	s.record(ctx, domain.EventCreated, c, fmt.Sprintf("%d contacts", len(c.Contacts)))
	return c, nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (domain.Campaign, error) {
	return s.Store.Get(ctx, id)
}

// List returns one category, or every category in scheduled, ongoing, stopped, completed order.
func (s *CampaignService) List(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	if status != "" {
		return s.Store.ListByStatus(ctx, status)
	}
	var out []domain.Campaign
	for _, st := range []domain.CampaignStatus{domain.StatusScheduled, domain.StatusOngoing, domain.StatusStopped, domain.StatusCompleted} {
		cs, err := s.Store.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func (s *CampaignService) Start(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if _, err := s.Runner.Start(ctx, &c); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func (s *CampaignService) Resume(ctx context.Context, id string) (domain.Campaign, error) {
	if _, err := s.Runner.Resume(ctx, id); err != nil {
		return domain.Campaign{}, err
	}
	return s.Store.Get(ctx, id)
}

// Stop halts the running campaign, here or on the replica that holds the sender lock. An
// ongoing campaign with no live loop anywhere (interrupted by an outage or a restart) is
// marked stopped directly.
func (s *CampaignService) Stop(ctx context.Context, id string) error {
	err := s.Runner.Stop(id)
	if err == nil || !errors.Is(err, domain.ErrNotRunning) {
		return err
	}

	c, getErr := s.Store.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if c.Status != domain.StatusOngoing {
		return err
	}
	// Writing the record while another replica sends would be overwritten by its next persist.
	if remoteErr := s.Runner.StopRemote(ctx, id); !errors.Is(remoteErr, domain.ErrNotRunning) {
		return remoteErr
	}
	now := s.now()
	c.MarkStopped(c.NextIndex())
	c.Status = domain.StatusStopped
	c.CompletedAt = &now
	if err := s.Store.Put(ctx, c); err != nil {
		return err
	}
	slog.Info("idle campaign stopped", "campaign_id", id, "index", c.NextIndex())
	s.record(ctx, domain.EventStopped, c, fmt.Sprintf("stopped after %d of %d", c.NextIndex(), c.Results.Total))
	return nil
}

// Retry starts a new campaign from a finished one: its failed contacts, or all of them.
func (s *CampaignService) Retry(ctx context.Context, id string, onlyFailed bool) (domain.Campaign, error) {
	src, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !src.Status.Terminal() {
		return domain.Campaign{}, fmt.Errorf("%w: %s is %s", domain.ErrNotFinished, id, src.Status)
	}

	var contacts []domain.Contact
	for i, ct := range src.Contacts {
		if onlyFailed && (i >= len(src.Outcomes) || src.Outcomes[i] != domain.OutcomeFailed) {
			continue
		}
		contacts = append(contacts, ct)
	}
	if len(contacts) == 0 {
		return domain.Campaign{}, domain.ErrNoContacts
	}

	label := "retry all"
	if onlyFailed {
		label = "retry failed"
	}
	c, err := s.Create(ctx, domain.CreateCampaignRequest{
		Name:      fmt.Sprintf("%s (%s)", src.Name, label),
		Contacts:  contacts,
		Message:   src.Message,
		Image:     src.Image,
		ImageMIME: src.ImageMIME,
		Delay:     src.Delay,
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	s.record(ctx, domain.EventRetried, c, fmt.Sprintf("%s of %s: %d contacts", label, src.ID, len(contacts)))
	return c, nil
}

// Report writes the per-contact delivery report as CSV.
func (s *CampaignService) Report(ctx context.Context, id string, w io.Writer) error {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Name", "Phone", "Status"}); err != nil {
		return err
	}
	for i, ct := range c.Contacts {
		outcome := domain.OutcomePending
		if i < len(c.Outcomes) {
			outcome = c.Outcomes[i]
		}
		if err := cw.Write([]string{ct.Name, ct.Phone, string(outcome)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *CampaignService) Delete(ctx context.Context, id string) error {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == domain.StatusOngoing {
		return fmt.Errorf("%w: stop it first", domain.ErrCampaignActive)
	}
	if err := s.Store.Remove(ctx, id); err != nil {
		return err
	}
	s.record(ctx, domain.EventDeleted, c, "")
	return nil
}

// SendDirect is the single-message passthrough. The destination may be a phone number or
// a full gateway address.
func (s *CampaignService) SendDirect(ctx context.Context, req domain.SendRequest) (domain.SendResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.SendResponse{}, err
	}
	if err := s.checkImage(req.AttachmentImage); err != nil {
		return domain.SendResponse{}, err
	}

	dest := req.Destination
	if !strings.Contains(dest, "@") {
		digits, err := util.NormalizePhone(dest, s.CountryCode, s.ValidatePhones)
		if err != nil {
			return domain.SendResponse{}, err
		}
		dest = util.Destination(digits, s.JIDDomain)
	}

	st, err := s.Gateway.Status(ctx)
	if err != nil {
		return domain.SendResponse{}, fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	if !st.Connected {
		return domain.SendResponse{}, domain.ErrNotConnected
	}

	if len(req.AttachmentImage) > 0 {
		err = s.Gateway.SendImage(ctx, dest, req.AttachmentImage, http.DetectContentType(req.AttachmentImage), req.Message)
	} else {
		err = s.Gateway.SendText(ctx, dest, req.Message)
	}
	if err != nil {
		return domain.SendResponse{}, err
	}
	return domain.SendResponse{Success: true, Message: "Message sent successfully"}, nil
}

func (s *CampaignService) GatewayStatus(ctx context.Context) (domain.GatewayStatus, error) {
	return s.Gateway.Status(ctx)
}

func (s *CampaignService) Reconnect(ctx context.Context) (domain.SendResponse, error) {
	return s.Gateway.Reconnect(ctx)
}

func (s *CampaignService) Logout(ctx context.Context) (domain.SendResponse, error) {
	return s.Gateway.Logout(ctx)
}

func (s *CampaignService) RunnerSnapshot() worker.Snapshot {
	return s.Runner.Snapshot()
}

func (s *CampaignService) Activities(ctx context.Context, limit int) ([]store.Activity, error) {
	max := s.ActivityLimit
	if max <= 0 {
		max = 100
	}
	if limit <= 0 || limit > max {
		limit = max
	}
	return s.Store.ListActivities(ctx, limit)
}

func (s *CampaignService) normalizeContacts(in []domain.Contact) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(in))
	for i, ct := range in {
		digits, err := util.NormalizePhone(ct.Phone, s.CountryCode, s.ValidatePhones)
		if err != nil {
			return nil, fmt.Errorf("contact %d: %w", i+1, err)
		}
		out = append(out, domain.Contact{Name: strings.TrimSpace(ct.Name), Phone: digits})
	}
	return out, nil
}

func (s *CampaignService) checkImage(img []byte) error {
	max := s.MaxImageBytes
	if max <= 0 {
		max = DefaultMaxImageBytes
	}
	if len(img) > max {
		return fmt.Errorf("%w: %d bytes, limit %d", domain.ErrImageTooLarge, len(img), max)
	}
	return nil
}

func (s *CampaignService) record(ctx context.Context, t domain.EventType, c domain.Campaign, detail string) {
	if s.Activity == nil {
		return
	}
	if err := s.Activity.Record(ctx, t, c, detail); err != nil {
		slog.Warn("record activity failed", "campaign_id", c.ID, "type", t, "err", err)
	}
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

func scheduleDetail(c domain.Campaign) string {
	if c.ScheduledAt == nil {
		return fmt.Sprintf("%d contacts, waiting for manual start", len(c.Contacts))
	}
	return fmt.Sprintf("%d contacts, scheduled for %s", len(c.Contacts), c.ScheduledAt.Format(time.RFC3339))
}
