package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/store"
)

const (
	// challengePrefix is the label ACME validators query for dns-01.
	challengePrefix = "_acme-challenge."

	// recordTTL keeps validators from caching a challenge past its
	// usefulness.
	recordTTL = 30
)

// Responder is the authoritative DNS side of the dns-01 flow. The
// certificate manager publishes challenge records through the store;
// this server answers TXT queries for them, so it can run on whichever
// machine the domains' NS records point at.
type Responder struct {
	store      *store.Store
	listenAddr string
	dnsServer  *dns.Server
}

// NewResponder creates a responder over the shared store.
func NewResponder(s *store.Store, listenAddr string) *Responder {
	return &Responder{store: s, listenAddr: listenAddr}
}

// Run serves UDP queries until ctx is canceled.
func (r *Responder) Run(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handleQuery)

	r.dnsServer = &dns.Server{
		Addr:    r.listenAddr,
		Net:     "udp",
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.dnsServer.ShutdownContext(shutdownCtx)
	}()

	log.Info(fmt.Sprintf("Challenge responder on %s", r.listenAddr))
	err := r.dnsServer.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("challenge responder failed: %v", err)
	}
	return nil
}

// handleQuery answers TXT queries under the challenge label and refuses
// everything else; this server is authoritative for challenges only.
func (r *Responder) handleQuery(w dns.ResponseWriter, req *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(req)
	msg.Authoritative = true

	for _, q := range req.Question {
		if q.Qtype != dns.TypeTXT || !strings.HasPrefix(strings.ToLower(q.Name), challengePrefix) {
			msg.Rcode = dns.RcodeRefused
			break
		}

		domain := strings.TrimSuffix(strings.ToLower(q.Name)[len(challengePrefix):], ".")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		record, err := r.store.DNSChallenge(ctx, domain)
		cancel()
		if err != nil {
			if err != store.ErrNotFound {
				log.Debug(fmt.Sprintf("Challenge lookup for %s failed: %v", domain, err))
			}
			msg.Rcode = dns.RcodeNameError
			break
		}

		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    recordTTL,
			},
			Txt: []string{record},
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Debug(fmt.Sprintf("Failed to write DNS response: %v", err))
	}
}
