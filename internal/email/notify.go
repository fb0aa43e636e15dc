package email

import (
	"context"
	"fmt"
	"html"
	"strings"
)

// Notifier sends the service's own transactional messages: subscription
// verification, management-link reminders, and admin magic links.
type Notifier struct {
	sender  Sender
	baseURL string
}

func NewNotifier(sender Sender, baseURL string) *Notifier {
	return &Notifier{sender: sender, baseURL: strings.TrimRight(baseURL, "/")}
}

// SendVerification delivers the double opt-in confirmation link.
func (n *Notifier) SendVerification(ctx context.Context, to, name, token string) error {
	link := n.baseURL + "/verify/" + token
	body := fmt.Sprintf(`<p>%s 您好，</p>
<p>感謝您訂閱 COSCUP 電子報！請點擊以下連結確認您的訂閱：</p>
<p><a href="%s">確認訂閱</a></p>
<p>如果您沒有訂閱本電子報，請忽略這封信。</p>`,
		html.EscapeString(displayName(name)), link)
	if err := n.sender.Send(ctx, to, "請確認您的 COSCUP 電子報訂閱", body, nil); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

// SendManageLink re-delivers the permanent management link to an already
// verified subscriber who tried to sign up again.
func (n *Notifier) SendManageLink(ctx context.Context, to, name, adminLink string) error {
	link := n.baseURL + "/manage/" + adminLink
	body := fmt.Sprintf(`<p>%s 您好，</p>
<p>您已經訂閱 COSCUP 電子報。您可以透過以下連結管理您的訂閱：</p>
<p><a href="%s">管理訂閱</a></p>`,
		html.EscapeString(displayName(name)), link)
	if err := n.sender.Send(ctx, to, "您的 COSCUP 電子報訂閱管理連結", body, nil); err != nil {
		return fmt.Errorf("send manage link email: %w", err)
	}
	return nil
}

// SendMagicLink delivers an administrator login link. The link expires in
// minutes; the body says so.
func (n *Notifier) SendMagicLink(ctx context.Context, to, token string) error {
	link := n.baseURL + "/admin/auth/" + token
	body := fmt.Sprintf(`<p>Click the link below to sign in to the newsletter admin:</p>
<p><a href="%s">Sign in</a></p>
<p>This link expires in 15 minutes and can be used once.</p>`, link)
	if err := n.sender.Send(ctx, to, "COSCUP Newsletter admin login", body, nil); err != nil {
		return fmt.Errorf("send magic link email: %w", err)
	}
	return nil
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "朋友"
	}
	return name
}
