// Package intent turns a user's free-form request into a dialable call
// intent: LLM extraction of the structured fields, then phone resolution
// against the contact directory with progressively looser matching.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/directory"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

var (
	alnumOnly = regexp.MustCompile(`[^a-z0-9]`)
	wordsOnly = regexp.MustCompile(`[a-z]+`)
)

// normalize strips a string to lowercase alphanumerics for key comparison.
func normalize(s string) string {
	return alnumOnly.ReplaceAllString(strings.ToLower(s), "")
}

// Resolver extracts intents and resolves target phone numbers.
type Resolver struct {
	extractor services.IntentExtractor
	dir       *directory.Directory
	log       *logger.Logger

	defaultUserName  string
	defaultUserPhone string
}

// NewResolver builds a resolver over the given extractor and directory.
func NewResolver(extractor services.IntentExtractor, dir *directory.Directory, defaultUserName, defaultUserPhone string) *Resolver {
	return &Resolver{
		extractor:        extractor,
		dir:              dir,
		log:              logger.WithPrefix("Intent"),
		defaultUserName:  defaultUserName,
		defaultUserPhone: defaultUserPhone,
	}
}

// Process extracts a structured intent from text and resolves the target
// phone. A nil extractor error with no resolvable phone is not a failure;
// the call then runs against the synthetic peer.
func (r *Resolver) Process(ctx context.Context, text string) (*call.Intent, error) {
	it, err := r.extractor.ExtractIntent(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("intent extraction: %w", err)
	}
	it.RawText = text

	if it.UserName == "" {
		it.UserName = r.defaultUserName
	}
	if it.UserPhone == "" {
		it.UserPhone = r.defaultUserPhone
	}
	if it.TargetEntity == "" {
		it.TargetEntity = entityFromSlots(it.Slots)
	}
	if it.TaskDescription == "" {
		it.TaskDescription = "make a phone call"
	}

	if it.TargetPhone == "" {
		it.TargetPhone = r.ResolveTargetPhone(&it)
	}

	r.log.Info("Extracted intent: target=%q phone=%q task=%q",
		it.TargetEntity, it.TargetPhone, it.TaskDescription)
	return &it, nil
}

// ResolveTargetPhone finds the number to dial, in priority order: a phone
// the user stated, a directory hit on the entity-name slot plus branch,
// then a directory hit on the target entity. Empty means no real number
// exists and the call should run in simulation.
func (r *Resolver) ResolveTargetPhone(it *call.Intent) string {
	if it.TargetPhone != "" {
		return it.TargetPhone
	}

	phones := r.dir.Phones()

	if name := it.Slots["entity_name"]; name != "" {
		if phone := lookup(phones, name, it.Slots["branch"]); phone != "" {
			r.log.Info("Resolved %q via directory (entity_name): %s", name, phone)
			return phone
		}
	}
	if it.TargetEntity != "" {
		if phone := lookup(phones, it.TargetEntity, ""); phone != "" {
			r.log.Info("Resolved %q via directory (target_entity): %s", it.TargetEntity, phone)
			return phone
		}
	}

	r.log.Info("No directory match for %q, using simulation", it.TargetEntity)
	return ""
}

// lookup tries progressively looser matches: exact normalized key,
// name+branch substring, name-only substring either direction, then a
// word-overlap match allowing one missing word.
func lookup(phones map[string]string, name, branch string) string {
	if name == "" {
		return ""
	}
	nameNorm := normalize(name)
	exactKey := nameNorm
	if branch != "" {
		exactKey = normalize(name + branch)
	}

	for key, phone := range phones {
		if normalize(key) == exactKey {
			return phone
		}
	}

	if branch != "" {
		branchNorm := normalize(branch)
		for key, phone := range phones {
			keyNorm := normalize(key)
			if strings.Contains(keyNorm, nameNorm) && strings.Contains(keyNorm, branchNorm) {
				return phone
			}
		}
	}

	for key, phone := range phones {
		keyNorm := normalize(key)
		if strings.Contains(keyNorm, nameNorm) || strings.Contains(nameNorm, keyNorm) {
			return phone
		}
	}

	nameWords := wordSet(name)
	for key, phone := range phones {
		overlap := 0
		keyWords := wordSet(key)
		for w := range nameWords {
			if keyWords[w] {
				overlap++
			}
		}
		need := len(nameWords) - 1
		if need < 1 {
			need = 1
		}
		if overlap >= need {
			return phone
		}
	}

	return ""
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordsOnly.FindAllString(strings.ToLower(s), -1) {
		out[w] = true
	}
	return out
}

func entityFromSlots(slots map[string]string) string {
	name := slots["entity_name"]
	if name == "" {
		return ""
	}
	parts := []string{name}
	if b := slots["branch"]; b != "" {
		parts = append(parts, b)
	}
	if c := slots["city"]; c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, ", ")
}
