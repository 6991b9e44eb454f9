package guardrail

import (
	"fmt"
	"strings"
)

const dosageQualifier = " (Follow the product label dose and consult your local Krishi Vigyan Kendra or agronomist before applying.)"

// Evaluator classifies content against a fixed RuleSet. It holds no mutable
// state, so one instance is shared by every session.
type Evaluator struct {
	version string
	rules   compiledRules
}

func NewEvaluator(rs RuleSet) (*Evaluator, error) {
	rules, err := compile(rs)
	if err != nil {
		return nil, err
	}
	version := strings.TrimSpace(rs.Version)
	if version == "" {
		version = "unversioned"
	}
	return &Evaluator{version: version, rules: rules}, nil
}

// MustDefault returns an evaluator over DefaultRuleSet.
func MustDefault() *Evaluator {
	ev, err := NewEvaluator(DefaultRuleSet())
	if err != nil {
		panic(err)
	}
	return ev
}

func (e *Evaluator) Version() string { return e.version }

// Evaluate returns the verdict for content flowing into the given kind of sink.
func (e *Evaluator) Evaluate(content string, kind Kind) Verdict {
	text := strings.TrimSpace(content)
	if text == "" {
		return e.reject(PolicyEmpty, RiskLow, "content is empty")
	}

	if m, ok := firstMatch(e.rules.jailbreak, text); ok {
		return e.reject(PolicyJailbreak, RiskHigh, fmt.Sprintf("attempt to override assistant instructions (%q)", m))
	}
	if m, ok := firstMatch(e.rules.harmful, text); ok {
		return e.reject(PolicyHarmful, RiskHigh, fmt.Sprintf("request involves illegal or harmful activity (%q)", m))
	}
	if m, ok := firstMatch(e.rules.privacy, text); ok {
		return e.reject(PolicyPrivacy, RiskHigh, fmt.Sprintf("request targets private or credential data (%q)", m))
	}

	if m, ok := firstMatch(e.rules.abuse, text); ok {
		switch kind {
		case KindAssistantOutput, KindSummary:
			masked := e.rules.abuse.ReplaceAllString(content, "***")
			return e.modify(PolicyAbuse, RiskMedium, "abusive language masked", masked)
		default:
			return e.reject(PolicyAbuse, RiskMedium, fmt.Sprintf("abusive language (%q)", m))
		}
	}

	if e.unqualifiedDosage(text) {
		switch kind {
		case KindPlanStep:
			return e.reject(PolicyDosage, RiskHigh, "chemical dosage instruction without label or expert qualification")
		case KindAssistantOutput:
			return e.modify(PolicyDosage, RiskMedium, "chemical dosage needs a safety qualifier", strings.TrimRight(content, " ")+dosageQualifier)
		case KindProfileFact:
			return e.reject(PolicyDosage, RiskMedium, "dosage instructions are not farmer profile facts")
		}
	}

	if redacted, changed := RedactPII(content); changed {
		if kind == KindProfileFact {
			return e.reject(PolicyPII, RiskMedium, "personal contact or identity numbers are not stored in the profile")
		}
		return e.modify(PolicyPII, RiskMedium, "personal data redacted", redacted)
	}

	if kind == KindUserInput || kind == KindPlanGoal {
		if m, ok := firstMatch(e.rules.offDomain, text); ok {
			if _, agri := firstMatch(e.rules.agricultural, text); !agri {
				return e.reject(PolicyOffDomain, RiskLow, fmt.Sprintf("outside the farming domain (%q)", m))
			}
		}
	}

	return Verdict{Decision: DecisionAllow, Risk: RiskLow, RuleSetVersion: e.version}
}

func (e *Evaluator) unqualifiedDosage(text string) bool {
	if _, ok := firstMatch(e.rules.chemicals, text); !ok {
		return false
	}
	dosed := false
	for _, re := range e.rules.dosage {
		if re.MatchString(text) {
			dosed = true
			break
		}
	}
	if !dosed {
		return false
	}
	_, qualified := firstMatch(e.rules.qualifiers, text)
	return !qualified
}

func (e *Evaluator) reject(policy string, risk Risk, reason string) Verdict {
	return Verdict{
		Decision:       DecisionReject,
		Policy:         policy,
		Reason:         reason,
		Risk:           risk,
		RuleSetVersion: e.version,
	}
}

func (e *Evaluator) modify(policy string, risk Risk, reason, suggested string) Verdict {
	return Verdict{
		Decision:         DecisionModify,
		Policy:           policy,
		Reason:           reason,
		Risk:             risk,
		SuggestedContent: suggested,
		RuleSetVersion:   e.version,
	}
}
