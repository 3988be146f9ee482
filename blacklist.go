package caddywaf

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/phemmer/go-iptrie"
)

// loadIPBlacklist reads one IP or CIDR per line (blank lines and '#'
// comments skipped) into a fresh CIDR trie, grounded on the teacher's
// loadIPBlacklist/appendCIDR/isIPv4.
func loadIPBlacklist(path string) (*iptrie.Trie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening IP blacklist %s: %w", path, err)
	}
	defer f.Close()

	trie := iptrie.NewTrie()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry := line
		if !strings.Contains(entry, "/") {
			entry = appendCIDR(entry)
		}

		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			continue
		}
		trie.Insert(prefix, struct{}{})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading IP blacklist %s: %w", path, err)
	}
	return trie, nil
}

// loadDNSBlacklist reads one hostname per line into a lookup set, grounded
// on the teacher's loadDNSBlacklist.
func loadDNSBlacklist(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening DNS blacklist %s: %w", path, err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading DNS blacklist %s: %w", path, err)
	}
	return set, nil
}

// ipBlacklisted reports whether addr falls within any inserted CIDR.
func ipBlacklisted(trie *iptrie.Trie, addr string) bool {
	if trie == nil {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	_, ok := trie.Get(ip)
	return ok
}

// hostBlacklisted reports whether host (case-insensitively) is a member of
// the DNS blacklist set.
func hostBlacklisted(set map[string]struct{}, host string) bool {
	if set == nil {
		return false
	}
	_, ok := set[strings.ToLower(host)]
	return ok
}
