package discovery

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"
)

// mdnsGroupV4 is the IPv4 mDNS multicast group.
var mdnsGroupV4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// queryWatcher observes mDNS queries on the multicast group and feeds
// them into the advertiser's answer policy. The mDNS stack answers
// queries itself; the watcher decides when a query warrants a
// multicast refresh (cold caches, suppression window lapsed) versus
// leaving the unicast reply to stand.
type queryWatcher struct {
	advertiser *Advertiser
	conn       *net.UDPConn
	once       sync.Once
	wg         sync.WaitGroup
}

// startWatcher opens the listener; failures are logged and tolerated
// (the periodic announcement schedule still runs without it).
func (a *Advertiser) startWatcher() *queryWatcher {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroupV4)
	if err != nil {
		if a.log != nil {
			a.log.Warnf("query watcher unavailable: %v", err)
		}
		return nil
	}
	w := &queryWatcher{advertiser: a, conn: conn}
	w.wg.Add(1)
	go w.readLoop()
	return w
}

func (w *queryWatcher) readLoop() {
	defer w.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, src, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		w.advertiser.HandleQuery("*", src.String(), packet)
	}
}

func (w *queryWatcher) close() {
	w.once.Do(func() {
		w.conn.Close()
		w.wg.Wait()
	})
}

// question is one parsed DNS question.
type question struct {
	name    string
	unicast bool // QU bit of the question class
}

// DNS header flag bits.
const (
	dnsFlagResponse  = 1 << 15
	dnsFlagTruncated = 1 << 9
)

// parseQuestions pulls the question section out of a DNS packet.
func parseQuestions(packet []byte) (questions []question, truncated bool, isQuery bool) {
	if len(packet) < 12 {
		return nil, false, false
	}
	flags := binary.BigEndian.Uint16(packet[2:4])
	if flags&dnsFlagResponse != 0 {
		return nil, false, false
	}
	truncated = flags&dnsFlagTruncated != 0
	count := int(binary.BigEndian.Uint16(packet[4:6]))

	off := 12
	for i := 0; i < count; i++ {
		name, next, ok := dnsName(packet, off)
		if !ok || next+4 > len(packet) {
			return questions, truncated, true
		}
		class := binary.BigEndian.Uint16(packet[next+2 : next+4])
		questions = append(questions, question{
			name:    name,
			unicast: class&0x8000 != 0,
		})
		off = next + 4
	}
	return questions, truncated, true
}

// dnsName decodes a possibly-compressed DNS name starting at off,
// returning the lower-cased dotted name and the offset just past it.
func dnsName(packet []byte, off int) (string, int, bool) {
	var parts []string
	next := -1
	jumps := 0
	for {
		if off >= len(packet) {
			return "", 0, false
		}
		l := int(packet[off])
		switch {
		case l == 0:
			off++
			if next < 0 {
				next = off
			}
			return strings.ToLower(strings.Join(parts, ".")), next, true
		case l&0xC0 == 0xC0:
			if off+1 >= len(packet) {
				return "", 0, false
			}
			if next < 0 {
				next = off + 2
			}
			off = (l&0x3F)<<8 | int(packet[off+1])
			jumps++
			if jumps > 8 {
				return "", 0, false
			}
		default:
			if off+1+l > len(packet) {
				return "", 0, false
			}
			parts = append(parts, string(packet[off+1:off+1+l]))
			off += 1 + l
		}
	}
}

// Truncated-query continuations travel through the TruncationBuffer as
// an encoded question list, one "u|name" line per question.
func encodeQuestions(questions []question) []byte {
	lines := make([]string, 0, len(questions))
	for _, q := range questions {
		u := "0"
		if q.unicast {
			u = "1"
		}
		lines = append(lines, u+"|"+q.name)
	}
	return []byte(strings.Join(lines, "\n"))
}

func decodeQuestions(blob []byte) []question {
	var out []question
	for _, line := range strings.Split(string(blob), "\n") {
		u, name, ok := strings.Cut(line, "|")
		if !ok || name == "" {
			continue
		}
		out = append(out, question{name: name, unicast: u == "1"})
	}
	return out
}

// HandleQuery processes one received mDNS query against the active
// services. Truncated queries are buffered until their continuation;
// the combined question set is then evaluated in one pass.
func (a *Advertiser) HandleQuery(iface, source string, packet []byte) {
	questions, truncated, isQuery := parseQuestions(packet)
	if !isQuery {
		return
	}
	blob := encodeQuestions(questions)
	if truncated {
		a.truncated.Hold(source, blob)
		return
	}
	if combined := a.truncated.Complete(source, append([]byte("\n"), blob...)); combined != nil {
		blob = combined
	}
	questions = decodeQuestions(blob)
	if len(questions) == 0 {
		return
	}

	a.mu.Lock()
	services := make([]*activeService, 0, len(a.services))
	for _, svc := range a.services {
		services = append(services, svc)
	}
	a.mu.Unlock()

	for _, svc := range services {
		matched := false
		allUnicast := true
		serviceName := strings.ToLower(svc.service + ".local")
		instanceName := strings.ToLower(svc.instance + "." + serviceName)
		for _, q := range questions {
			if q.name != serviceName && q.name != instanceName {
				continue
			}
			matched = true
			if !q.unicast {
				allUnicast = false
			}
		}
		if !matched {
			continue
		}
		// A unicast reply is honoured only while the record is warm
		// in peer caches; otherwise refresh multicast (itself gated
		// by the duplicate-suppression window).
		if a.policy.AllowUnicast(iface, svc.name(), allUnicast) {
			continue
		}
		if a.refresh(svc) && a.log != nil {
			a.log.Debugf("query-driven refresh of %s", svc.name())
		}
	}
}
