package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// DefaultNameThreshold is the minimum name similarity for a fuzzy match.
const DefaultNameThreshold = 0.85

// Directory is the read side of the identity store.
type Directory interface {
	// PersonByIdentity returns nil, nil when the identity is unknown.
	PersonByIdentity(ctx context.Context, provider, providerID string) (*conversation.Person, error)
	People(ctx context.Context) ([]conversation.Person, error)
}

type Resolver struct {
	dir           Directory
	nameThreshold float64
	logger        *slog.Logger
}

func New(dir Directory, logger *slog.Logger) *Resolver {
	return &Resolver{dir: dir, nameThreshold: DefaultNameThreshold, logger: logger}
}

// Resolve maps every speaker label to exactly one Participant. Hints are
// matched to labels by their Label field; hints without one cannot be tied to
// a speaker and are ignored. New People and ExternalIdentities are returned in
// the Resolution for the persistence step to write; nothing is written here.
func (r *Resolver) Resolve(ctx context.Context, conversationID uuid.UUID, labels []string, hints []conversation.DeclaredParticipant) (*conversation.Resolution, error) {
	byLabel := make(map[string]conversation.DeclaredParticipant)
	for _, h := range hints {
		if h.Label == "" {
			r.logger.Debug("declared participant has no speaker label, skipping", "name", h.Name)
			continue
		}
		if _, dup := byLabel[h.Label]; !dup {
			byLabel[h.Label] = h
		}
	}

	var people []conversation.Person
	peopleLoaded := false
	loadPeople := func() ([]conversation.Person, error) {
		if peopleLoaded {
			return people, nil
		}
		p, err := r.dir.People(ctx)
		if err != nil {
			return nil, fmt.Errorf("list people: %w", err)
		}
		people, peopleLoaded = p, true
		return people, nil
	}

	res := &conversation.Resolution{}
	seen := make(map[string]bool)
	newPeople := make(map[uuid.UUID]bool)

	for _, label := range labels {
		if seen[label] {
			continue
		}
		seen[label] = true

		part := conversation.Participant{
			ID:             conversation.ParticipantID(conversationID, label),
			ConversationID: conversationID,
			Label:          label,
			Role:           conversation.RoleUnknown,
		}
		hint, ok := byLabel[label]
		if ok {
			part.DisplayName = hint.Name
		}

		switch {
		case ok && hint.HasIdentity():
			person, identity, created, err := r.resolveIdentity(ctx, hint, loadPeople)
			if err != nil {
				return nil, err
			}
			part.PersonID = &person.ID
			if created && !newPeople[person.ID] {
				newPeople[person.ID] = true
				res.People = append(res.People, person)
			}
			if identity != nil {
				res.Identities = append(res.Identities, *identity)
			}

		case ok && (hint.Name != "" || hint.Email != ""):
			all, err := loadPeople()
			if err != nil {
				return nil, err
			}
			match, ambiguous := r.bestMatch(hint, all)
			switch {
			case ambiguous:
				r.logger.Warn("ambiguous identity, leaving participant anonymous",
					"conversation_id", conversationID,
					"label", label,
					"error", conversation.ErrAmbiguousIdentity,
				)
				res.Ambiguous = append(res.Ambiguous, label)
			case match != nil:
				part.PersonID = &match.ID
			}
		}

		res.Participants = append(res.Participants, part)
	}

	r.logger.Info("participants resolved",
		"conversation_id", conversationID,
		"participants", len(res.Participants),
		"new_people", len(res.People),
		"ambiguous", len(res.Ambiguous),
	)
	return res, nil
}

// resolveIdentity finds or creates the Person behind an external identity.
// A new identity whose email matches an existing Person is attached to that
// Person instead of creating a duplicate.
func (r *Resolver) resolveIdentity(ctx context.Context, hint conversation.DeclaredParticipant, loadPeople func() ([]conversation.Person, error)) (conversation.Person, *conversation.ExternalIdentity, bool, error) {
	provider := strings.ToLower(hint.Provider)
	existing, err := r.dir.PersonByIdentity(ctx, provider, hint.ProviderID)
	if err != nil {
		return conversation.Person{}, nil, false, fmt.Errorf("lookup identity %s/%s: %w", provider, hint.ProviderID, err)
	}
	if existing != nil {
		return *existing, nil, false, nil
	}

	if hint.Email != "" {
		all, err := loadPeople()
		if err != nil {
			return conversation.Person{}, nil, false, err
		}
		if p := byEmail(hint.Email, all); p != nil {
			return *p, &conversation.ExternalIdentity{Provider: provider, ProviderID: hint.ProviderID, PersonID: p.ID}, false, nil
		}
	}

	person := conversation.Person{
		ID:    conversation.PersonIDForIdentity(provider, hint.ProviderID),
		Name:  strings.TrimSpace(hint.Name),
		Email: strings.ToLower(strings.TrimSpace(hint.Email)),
	}
	return person, &conversation.ExternalIdentity{Provider: provider, ProviderID: hint.ProviderID, PersonID: person.ID}, true, nil
}

type candidate struct {
	person     conversation.Person
	emailMatch bool
	score      float64
}

// outranks orders candidates by tier first: any exact email match beats every
// name-only match.
func (c candidate) outranks(o candidate) bool {
	if c.emailMatch != o.emailMatch {
		return c.emailMatch
	}
	return c.score > o.score
}

func (c candidate) ties(o candidate) bool {
	return c.emailMatch == o.emailMatch && c.score == o.score
}

// bestMatch scores every known Person against the hint. Exact email matches
// form their own tier above accent- and case-folded name similarity. Ties at
// the top of a tier are reported as ambiguous.
func (r *Resolver) bestMatch(hint conversation.DeclaredParticipant, people []conversation.Person) (*conversation.Person, bool) {
	var cands []candidate
	email := strings.ToLower(strings.TrimSpace(hint.Email))
	name := fold(hint.Name)

	for _, p := range people {
		c := candidate{person: p}
		if email != "" && strings.EqualFold(strings.TrimSpace(p.Email), email) {
			c.emailMatch = true
		}
		if name != "" && p.Name != "" {
			if s := similarity(name, fold(p.Name)); s >= r.nameThreshold {
				c.score = s
			}
		}
		if c.emailMatch || c.score > 0 {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return nil, false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].ties(cands[j]) {
			return cands[i].outranks(cands[j])
		}
		return cands[i].person.ID.String() < cands[j].person.ID.String()
	})
	if len(cands) > 1 && cands[0].ties(cands[1]) {
		return nil, true
	}
	return &cands[0].person, false
}

func byEmail(email string, people []conversation.Person) *conversation.Person {
	email = strings.TrimSpace(email)
	var found *conversation.Person
	for i := range people {
		if strings.EqualFold(strings.TrimSpace(people[i].Email), email) {
			if found != nil {
				return nil
			}
			found = &people[i]
		}
	}
	return found
}

// similarity is 1 minus the normalized edit distance between a and b.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// fold lower-cases, strips diacritics and collapses whitespace.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
