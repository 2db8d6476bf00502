package locate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultService = "_home-assistant._tcp.local."
	DefaultAddr    = "224.0.0.251:5353"
	defaultTimeout = 2 * time.Second
)

// Hub is a home-automation hub announced over DNS-SD.
type Hub struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addrs"`
	URL      string   `json:"url"`
}

// Browser sends one DNS-SD PTR query and collects answers until the
// timeout. Querying from an ephemeral port asks responders for unicast
// replies.
type Browser struct {
	Service string
	Addr    string
	Timeout time.Duration
}

func (b Browser) Browse(ctx context.Context) ([]Hub, error) {
	service := b.Service
	if service == "" {
		service = DefaultService
	}
	addr := b.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(service), dns.TypePTR)
	q.RecursionDesired = false
	packed, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}
	if _, err := conn.WriteToUDP(packed, dst); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var records []dns.RR
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		records = append(records, msg.Answer...)
		records = append(records, msg.Extra...)
		if ctx.Err() != nil {
			break
		}
	}
	return Parse(service, records), nil
}

// Parse assembles hubs from PTR, SRV, TXT and address records. Instances
// without an SRV record are dropped.
func Parse(service string, records []dns.RR) []Hub {
	service = strings.ToLower(dns.Fqdn(service))
	instances := map[string]bool{}
	srv := map[string]*dns.SRV{}
	txt := map[string][]string{}
	addrs := map[string][]string{}

	for _, rr := range records {
		name := strings.ToLower(rr.Header().Name)
		switch r := rr.(type) {
		case *dns.PTR:
			if name == service {
				instances[strings.ToLower(r.Ptr)] = true
			}
		case *dns.SRV:
			srv[name] = r
		case *dns.TXT:
			txt[name] = append(txt[name], r.Txt...)
		case *dns.A:
			addrs[name] = append(addrs[name], r.A.String())
		case *dns.AAAA:
			addrs[name] = append(addrs[name], r.AAAA.String())
		}
	}

	out := make([]Hub, 0, len(instances))
	for inst := range instances {
		s, ok := srv[inst]
		if !ok {
			continue
		}
		host := strings.ToLower(s.Target)
		h := Hub{
			Instance: strings.TrimSuffix(strings.TrimSuffix(inst, service), "."),
			Host:     strings.TrimSuffix(host, "."),
			Port:     int(s.Port),
			Addrs:    addrs[host],
		}
		h.URL = hubURL(h, txt[inst])
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func hubURL(h Hub, txt []string) string {
	kv := map[string]string{}
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			kv[strings.ToLower(k)] = v
		}
	}
	for _, k := range []string{"internal_url", "base_url"} {
		if v := strings.TrimSpace(kv[k]); v != "" {
			return v
		}
	}
	host := h.Host
	if len(h.Addrs) > 0 {
		host = h.Addrs[0]
	}
	if host == "" {
		return ""
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(h.Port))
}
