// Package identity resolves candidate records to their normalized
// deduplication key and derives the URL each source is fetched from.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/feedcat/internal/model"
)

// ErrUnresolvableIdentity matches every *UnresolvableError.
var ErrUnresolvableIdentity = eris.New("unresolvable identity")

// Reasons a candidate cannot be resolved.
const (
	ReasonMissingRef     = "missing_ref"
	ReasonUnknownKind    = "unknown_kind"
	ReasonContainsSpaces = "contains_spaces"
	ReasonMalformedURL   = "malformed_url"
	ReasonInvalidScheme  = "invalid_scheme"
	ReasonMalformedRef   = "malformed_ref"
)

// UnresolvableError reports why a candidate has no identity.
type UnresolvableError struct {
	Kind   model.Kind
	Ref    string
	Reason string
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("unresolvable identity: %s %q: %s", e.Kind, e.Ref, e.Reason)
}

// Is lets errors.Is match ErrUnresolvableIdentity.
func (e *UnresolvableError) Is(target error) bool {
	return target == ErrUnresolvableIdentity
}

func unresolvable(kind model.Kind, ref, reason string) error {
	return &UnresolvableError{Kind: kind, Ref: ref, Reason: reason}
}

// Query parameters that only carry attribution and never select content.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
	"_ga":     true,
	"_gl":     true,
	"igshid":  true,
	"yclid":   true,
}

func isTrackingParam(name string) bool {
	n := strings.ToLower(name)
	return trackingParams[n] || strings.HasPrefix(n, "utm_")
}

var (
	channelIDRe = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)
	subredditRe = regexp.MustCompile(`^[a-z0-9_]{2,21}$`)
	handleRe    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
	didRe       = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]+$`)
	fold        = cases.Fold()
)

// Resolve computes the identity of a candidate. It is pure: the same
// candidate always yields the same identity or the same error.
func Resolve(c model.CandidateRecord) (model.Identity, error) {
	ref := norm.NFC.String(strings.TrimSpace(c.Ref))
	if ref == "" {
		return model.Identity{}, unresolvable(c.Kind, c.Ref, ReasonMissingRef)
	}
	if strings.ContainsAny(ref, " \t\n") {
		return model.Identity{}, unresolvable(c.Kind, c.Ref, ReasonContainsSpaces)
	}

	var (
		key string
		err error
	)
	switch c.Kind {
	case model.KindFeed:
		key, err = feedKey(ref)
	case model.KindYouTube:
		key, err = channelKey(ref)
	case model.KindReddit:
		key, err = subredditKey(ref)
	case model.KindBluesky:
		key, err = blueskyKey(ref)
	default:
		return model.Identity{}, unresolvable(c.Kind, c.Ref, ReasonUnknownKind)
	}
	if err != nil {
		return model.Identity{}, unresolvable(c.Kind, c.Ref, err.Error())
	}
	return model.Identity{Kind: c.Kind, Key: key}, nil
}

// reasonError carries a bare reason code through the kind-specific helpers.
type reasonError string

func (r reasonError) Error() string { return string(r) }

func feedKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", reasonError(ReasonMalformedURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", reasonError(ReasonInvalidScheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", reasonError(ReasonMalformedURL)
	}
	host = strings.TrimSuffix(host, ".")
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	q := u.Query()
	for name := range q {
		if isTrackingParam(name) {
			q.Del(name)
		}
	}
	key := host + path
	if len(q) > 0 {
		// url.Values.Encode sorts by key.
		key += "?" + q.Encode()
	}
	return key, nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

func channelKey(raw string) (string, error) {
	id := raw
	if strings.Contains(raw, "/") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", reasonError(ReasonMalformedURL)
		}
		if ch := u.Query().Get("channel_id"); ch != "" {
			id = ch
		} else {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) != 2 || parts[0] != "channel" {
				return "", reasonError(ReasonMalformedRef)
			}
			id = parts[1]
		}
	}
	if !channelIDRe.MatchString(id) {
		return "", reasonError(ReasonMalformedRef)
	}
	return id, nil
}

func subredditKey(raw string) (string, error) {
	// Fold before stripping so R/ and Reddit.com prefixes match.
	name := fold.String(raw)
	if strings.Contains(name, "reddit.com") {
		u, err := url.Parse(name)
		if err != nil || u.Host == "" {
			u, err = url.Parse("https://" + strings.TrimPrefix(name, "//"))
			if err != nil {
				return "", reasonError(ReasonMalformedURL)
			}
		}
		name = u.Path
	}
	name = strings.Trim(name, "/")
	name = strings.TrimPrefix(name, "r/")
	name = strings.TrimSuffix(name, ".rss")
	name = strings.Trim(name, "/")
	if !subredditRe.MatchString(name) {
		return "", reasonError(ReasonMalformedRef)
	}
	return name, nil
}

func blueskyKey(raw string) (string, error) {
	ref := raw
	if strings.Contains(ref, "bsky.app/profile/") {
		ref = ref[strings.Index(ref, "bsky.app/profile/")+len("bsky.app/profile/"):]
		ref = strings.TrimSuffix(strings.Trim(ref, "/"), "/rss")
	}
	if strings.HasPrefix(ref, "did:") {
		if !didRe.MatchString(ref) {
			return "", reasonError(ReasonMalformedRef)
		}
		return ref, nil
	}
	handle := strings.ToLower(strings.TrimPrefix(ref, "@"))
	if !handleRe.MatchString(handle) {
		return "", reasonError(ReasonMalformedRef)
	}
	return handle, nil
}

// FetchURL returns the URL the enrichment stage fetches for an identity.
// For feeds the raw candidate URL is preferred so the origin's exact
// scheme and casing are requested.
func FetchURL(id model.Identity, raw string) string {
	switch id.Kind {
	case model.KindFeed:
		if raw != "" {
			return raw
		}
		return "https://" + id.Key
	case model.KindYouTube:
		return "https://www.youtube.com/feeds/videos.xml?channel_id=" + url.QueryEscape(id.Key)
	case model.KindReddit:
		return "https://www.reddit.com/r/" + id.Key + "/.rss"
	case model.KindBluesky:
		return "https://bsky.app/profile/" + id.Key + "/rss"
	}
	return ""
}

// Group partitions candidates by resolved identity. Groups are returned in
// identity order and dropped candidates in input order.
func Group(candidates []model.CandidateRecord) (map[model.Identity][]model.CandidateRecord, []model.Identity, []model.Dropped) {
	groups := make(map[model.Identity][]model.CandidateRecord)
	var dropped []model.Dropped
	for _, c := range candidates {
		id, err := Resolve(c)
		if err != nil {
			reason := err.Error()
			var ue *UnresolvableError
			if errors.As(err, &ue) {
				reason = ue.Reason
			}
			dropped = append(dropped, model.Dropped{Origin: c.Origin, Seq: c.Seq, Ref: c.Ref, Reason: reason})
			continue
		}
		groups[id] = append(groups[id], c)
	}

	order := make([]model.Identity, 0, len(groups))
	for id := range groups {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })
	return groups, order, dropped
}
