package classify

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"civicaid/request"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type rulesFile struct {
	Categories []struct {
		Name  string   `yaml:"name"`
		Terms []string `yaml:"terms"`
		Reply string   `yaml:"reply"`
	} `yaml:"categories"`
	GeneralReply  string   `yaml:"general_reply"`
	Urgency       []string `yaml:"urgency"`
	Subcategories []struct {
		Name  string   `yaml:"name"`
		Terms []string `yaml:"terms"`
	} `yaml:"subcategories"`
}

type termSet []*regexp.Regexp

func compileTerms(terms []string) (termSet, error) {
	set := make(termSet, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		words := strings.Fields(regexp.QuoteMeta(strings.ToLower(term)))
		re, err := regexp.Compile(`\b` + strings.Join(words, `\s+`) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("classify: compile term %q: %w", term, err)
		}
		set = append(set, re)
	}
	return set, nil
}

func (s termSet) hits(lowered string) int {
	n := 0
	for _, re := range s {
		if re.MatchString(lowered) {
			n++
		}
	}
	return n
}

type categoryRule struct {
	category Category
	terms    termSet
	reply    string
}

type subcategoryRule struct {
	category request.ComplaintCategory
	terms    termSet
}

// Rules is the deterministic keyword table behind the fallback tier.
type Rules struct {
	categories    []categoryRule
	subcategories []subcategoryRule
	urgency       termSet
	generalReply  string
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return rules
}

// ParseRules builds a rule table from YAML.
func ParseRules(data []byte) (*Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("classify: parse rules: %w", err)
	}

	rules := &Rules{generalReply: strings.TrimSpace(file.GeneralReply)}
	for _, c := range file.Categories {
		category := Category(c.Name)
		if !category.Valid() || category == CategoryGeneralInquiry {
			return nil, fmt.Errorf("classify: rules: unknown category %q", c.Name)
		}
		terms, err := compileTerms(c.Terms)
		if err != nil {
			return nil, err
		}
		rules.categories = append(rules.categories, categoryRule{category: category, terms: terms, reply: strings.TrimSpace(c.Reply)})
	}
	for _, s := range file.Subcategories {
		category := request.ComplaintCategory(s.Name)
		if !category.Valid() {
			return nil, fmt.Errorf("classify: rules: unknown complaint category %q", s.Name)
		}
		terms, err := compileTerms(s.Terms)
		if err != nil {
			return nil, err
		}
		rules.subcategories = append(rules.subcategories, subcategoryRule{category: category, terms: terms})
	}
	urgency, err := compileTerms(file.Urgency)
	if err != nil {
		return nil, err
	}
	rules.urgency = urgency
	return rules, nil
}

// Classify scans text for category vocabulary. It is total: every input,
// including an empty one, yields a result from the closed enums.
func (r *Rules) Classify(text string) Result {
	lowered := strings.ToLower(text)

	best, bestHits := CategoryGeneralInquiry, 0
	for _, rule := range r.categories {
		hits := rule.terms.hits(lowered)
		if rule.category == CategoryBlood {
			if _, ok := request.ExtractBloodType(text); ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.category, hits
		}
	}

	result := Result{
		Category:   best,
		Priority:   r.Priority(text),
		Confidence: fallbackConfidence(bestHits),
		Reply:      r.Reply(best),
		Source:     SourceFallback,
	}
	if best == CategoryComplaint {
		result.Subcategory = r.Subcategory(text)
	}
	return result
}

// Priority is urgent when urgency vocabulary is present, otherwise medium.
func (r *Rules) Priority(text string) request.Priority {
	if r.urgency.hits(strings.ToLower(text)) > 0 {
		return request.PriorityUrgent
	}
	return request.PriorityMedium
}

// Subcategory picks the complaint category with the most term hits.
func (r *Rules) Subcategory(text string) request.ComplaintCategory {
	lowered := strings.ToLower(text)
	best, bestHits := request.CategoryOther, 0
	for _, rule := range r.subcategories {
		if hits := rule.terms.hits(lowered); hits > bestHits {
			best, bestHits = rule.category, hits
		}
	}
	return best
}

// Reply returns the canned reply for category.
func (r *Rules) Reply(category Category) string {
	for _, rule := range r.categories {
		if rule.category == category {
			return rule.reply
		}
	}
	return r.generalReply
}

func fallbackConfidence(hits int) float64 {
	if hits == 0 {
		return 0.3
	}
	return min(0.5+0.1*float64(hits-1), 0.8)
}
