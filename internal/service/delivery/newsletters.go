package delivery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/content"
	"github.com/COSCUP/newsletter/internal/domain"
)

var slugCleanRegex = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a newsletter title.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugCleanRegex.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DraftInput is the admin-supplied newsletter content.
type DraftInput struct {
	Title           string
	Slug            string
	MarkdownContent string
	TemplateID      *string
}

// CreateDraft creates a new draft newsletter.
func (o *Orchestrator) CreateDraft(ctx context.Context, in DraftInput) (*domain.Newsletter, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("newsletter title is required")
	}
	slug := in.Slug
	if slug == "" {
		slug = Slugify(in.Title)
	}
	now := o.now()
	n := &domain.Newsletter{
		ID:              uuid.New().String(),
		Slug:            slug,
		Title:           strings.TrimSpace(in.Title),
		MarkdownContent: in.MarkdownContent,
		TemplateID:      in.TemplateID,
		Status:          domain.NewsletterDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.repo.CreateNewsletter(ctx, n); err != nil {
		return nil, fmt.Errorf("create newsletter: %w", err)
	}
	return n, nil
}

// UpdateDraft replaces the content of an editable newsletter. Once sending
// has started the content is frozen and ErrNotEditable is returned.
func (o *Orchestrator) UpdateDraft(ctx context.Context, id string, in DraftInput) (*domain.Newsletter, error) {
	n, err := o.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !n.Editable() {
		return nil, ErrNotEditable
	}
	if strings.TrimSpace(in.Title) != "" {
		n.Title = strings.TrimSpace(in.Title)
	}
	if in.Slug != "" {
		n.Slug = in.Slug
	}
	n.MarkdownContent = in.MarkdownContent
	n.TemplateID = in.TemplateID
	n.RenderedHTML = "" // rendered at send time
	n.UpdatedAt = o.now()
	if err := o.repo.UpdateNewsletterContent(ctx, n); err != nil {
		return nil, fmt.Errorf("update newsletter: %w", err)
	}
	return n, nil
}

// Get returns one newsletter by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Newsletter, error) {
	return o.get(ctx, id)
}

// GetBySlug returns one newsletter by its public slug, for the archive.
func (o *Orchestrator) GetBySlug(ctx context.Context, slug string) (*domain.Newsletter, error) {
	n, err := o.repo.GetNewsletterBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("lookup newsletter: %w", err)
	}
	if n == nil {
		return nil, ErrNotFound
	}
	return n, nil
}

// ArchiveHTML returns sanitized HTML for public display of a sent issue.
func (o *Orchestrator) ArchiveHTML(ctx context.Context, slug string) (*domain.Newsletter, string, error) {
	n, err := o.GetBySlug(ctx, slug)
	if err != nil {
		return nil, "", err
	}
	if n.Status != domain.NewsletterSent {
		return nil, "", ErrNotFound
	}
	html := n.RenderedHTML
	if html == "" {
		if html, err = content.RenderMarkdown(n.MarkdownContent); err != nil {
			return nil, "", fmt.Errorf("render newsletter: %w", err)
		}
	}
	html = content.ReplaceRecipientName(html, "")
	return n, content.Sanitize(html), nil
}

// List returns newsletters filtered by status; an empty filter returns
// everything.
func (o *Orchestrator) List(ctx context.Context, statuses ...domain.NewsletterStatus) ([]*domain.Newsletter, error) {
	return o.repo.ListNewsletters(ctx, statuses)
}

// DeleteDraft removes a newsletter that never started sending.
func (o *Orchestrator) DeleteDraft(ctx context.Context, id string) error {
	n, err := o.get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != domain.NewsletterDraft {
		return ErrInvalidTransition
	}
	if err := o.repo.DeleteNewsletter(ctx, id); err != nil {
		return fmt.Errorf("delete newsletter: %w", err)
	}
	return nil
}

// StartDue begins sending every scheduled newsletter whose time has come.
// Called by the scheduler loop.
func (o *Orchestrator) StartDue(ctx context.Context) error {
	ids, err := o.repo.ListDueScheduled(ctx, o.now())
	if err != nil {
		return fmt.Errorf("list due newsletters: %w", err)
	}
	for _, id := range ids {
		if err := o.Start(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}
	return nil
}
