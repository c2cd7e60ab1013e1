package store

import (
	"context"
	"fmt"
	"time"

	"github.com/deviant-guru/reliw/pkg/log"
)

// ControlRestart is the reserved control message for live reload. The
// process manager parses it but does not yet action it.
const ControlRestart = "RESTART"

// ControlCertsReady announces that every configured domain holds a
// certificate.
const ControlCertsReady = "CERTS READY"

// PublishBlocked broadcasts a WAF-blocked IP on the Waffers channel.
// Best-effort: no subscriber means the message is simply lost, and a
// publish failure never blocks the request that triggered it.
func (s *Store) PublishBlocked(ctx context.Context, ip string) {
	if err := s.rdb.Publish(ctx, s.WaffersChannel(), ip).Err(); err != nil {
		log.Debug(fmt.Sprintf("waffers publish failed for %s: %v", ip, err))
	}
}

// PublishControl broadcasts a control message. Same best-effort
// semantics as the Waffers channel.
func (s *Store) PublishControl(ctx context.Context, msg string) error {
	if err := s.rdb.Publish(ctx, s.ControlChannel(), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish control message: %v", err)
	}
	return nil
}

// SubscribeControl delivers control messages until the context ends.
// The returned channel closes on shutdown.
func (s *Store) SubscribeControl(ctx context.Context) <-chan string {
	sub := s.rdb.Subscribe(ctx, s.ControlChannel())
	out := make(chan string, 8)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// A slow consumer drops messages rather than
					// backing up the subscription.
				}
			}
		}
	}()

	return out
}

// SetDNSChallenge publishes a dns-01 TXT record value for an external
// DNS responder to serve during certificate issuance.
func (s *Store) SetDNSChallenge(ctx context.Context, domain, record string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.keyChallenge(domain), record, ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish DNS challenge for %s: %v", domain, err)
	}
	return nil
}

// DNSChallenge reads the pending challenge record for a domain.
func (s *Store) DNSChallenge(ctx context.Context, domain string) (string, error) {
	record, err := s.rdb.Get(ctx, s.keyChallenge(domain)).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read DNS challenge for %s: %v", domain, err)
	}
	return record, nil
}

// DeleteDNSChallenge removes a served challenge record.
func (s *Store) DeleteDNSChallenge(ctx context.Context, domain string) error {
	if err := s.rdb.Del(ctx, s.keyChallenge(domain)).Err(); err != nil {
		return fmt.Errorf("failed to delete DNS challenge for %s: %v", domain, err)
	}
	return nil
}
