package tools

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KnowledgeEntry is one article of the agronomy knowledge corpus.
type KnowledgeEntry struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Body     string   `yaml:"body" json:"body"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

type knowledgeFile struct {
	Entries []KnowledgeEntry `yaml:"entries"`
}

// DefaultKnowledge is the built-in corpus used when no file is configured.
func DefaultKnowledge() []KnowledgeEntry {
	return []KnowledgeEntry{
		{"soil-testing", "Soil testing before sowing", "Test soil every two to three years. A soil health card lists pH, organic carbon and NPK so fertilizer can be matched to need.", []string{"soil", "test", "ph", "npk", "fertility", "health card"}},
		{"wheat-sowing", "Wheat sowing window", "In north India wheat is best sown from early to mid November. Late sowing reduces yield; use late-sown varieties after December 1.", []string{"wheat", "sow", "sowing", "rabi", "november"}},
		{"paddy-water", "Water management in paddy", "Alternate wetting and drying saves 20-30% water in paddy without yield loss once plants are established.", []string{"paddy", "rice", "water", "irrigation", "awd"}},
		{"drip-basics", "Drip irrigation basics", "Drip irrigation delivers water at the root zone and suits vegetables, cotton and sugarcane. Subsidies are available under PMKSY.", []string{"drip", "irrigation", "water", "subsidy", "pmksy"}},
		{"organic-conversion", "Converting to organic farming", "Conversion takes about three years. Start with compost, green manure and crop rotation; certification is through PGS-India or NPOP.", []string{"organic", "compost", "certification", "conversion", "manure"}},
		{"ipm", "Integrated pest management", "Scout fields weekly, use pheromone traps and biological controls first. Spray only above economic threshold and only label-approved products.", []string{"pest", "pests", "ipm", "insect", "spray", "trap"}},
		{"tomato-leaf-curl", "Tomato leaf curl", "Leaf curl is spread by whiteflies. Use resistant varieties, yellow sticky traps and remove infected plants early.", []string{"tomato", "leaf", "curl", "whitefly", "virus"}},
		{"crop-insurance", "Crop insurance", "PMFBY covers yield loss from natural calamities. Enrol through your bank or CSC before the seasonal cut-off date.", []string{"insurance", "pmfby", "loss", "claim"}},
		{"kcc-credit", "Kisan Credit Card", "KCC offers short-term crop loans at subsidised interest with prompt repayment incentives.", []string{"loan", "credit", "kcc", "bank", "finance"}},
		{"cotton-bollworm", "Pink bollworm in cotton", "Use pheromone traps, timely sowing and destroy crop residue after harvest to break the pink bollworm cycle.", []string{"cotton", "bollworm", "pest", "kapas"}},
	}
}

// LoadKnowledge reads a YAML corpus; an empty path returns DefaultKnowledge.
func LoadKnowledge(path string) ([]KnowledgeEntry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultKnowledge(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var f knowledgeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("knowledge file %s has no entries", path)
	}
	return f.Entries, nil
}

type KnowledgeHit struct {
	Entry KnowledgeEntry `json:"entry"`
	Score int            `json:"score"`
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// KnowledgeTool ranks corpus entries by keyword overlap with the query.
type KnowledgeTool struct {
	entries []KnowledgeEntry
	now     func() time.Time
}

func NewKnowledgeTool(entries []KnowledgeEntry) *KnowledgeTool {
	return &KnowledgeTool{entries: entries, now: time.Now}
}

func (k *KnowledgeTool) Name() string { return NameKnowledge }

func (k *KnowledgeTool) Call(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, toolErr(NameKnowledge, CodeCanceled, false, err)
	}
	query, err := required(NameKnowledge, p, "query")
	if err != nil {
		return Result{}, err
	}
	topK := 5
	if v := strings.TrimSpace(p["top_k"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Result{}, toolErr(NameKnowledge, CodeInvalidParams, false, fmt.Errorf("top_k must be a positive integer"))
		}
		topK = n
	}

	hits := k.Search(query, topK)
	if len(hits) == 0 {
		return Result{}, toolErr(NameKnowledge, CodeNotFound, false, fmt.Errorf("no entries match %q", query))
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Entry.Title+": "+h.Entry.Body)
	}
	return Result{
		Tool:      NameKnowledge,
		Summary:   strings.Join(parts, " "),
		Data:      hits,
		FetchedAt: k.now().UTC(),
	}, nil
}

// Search scores each entry: two points per keyword hit, one per title word hit.
func (k *KnowledgeTool) Search(query string, topK int) []KnowledgeHit {
	tokens := map[string]bool{}
	for _, t := range tokenPattern.FindAllString(strings.ToLower(query), -1) {
		tokens[t] = true
	}
	lowerQuery := strings.ToLower(query)

	var hits []KnowledgeHit
	for _, e := range k.entries {
		score := 0
		for _, kw := range e.Keywords {
			kw = strings.ToLower(kw)
			if tokens[kw] || (strings.Contains(kw, " ") && strings.Contains(lowerQuery, kw)) {
				score += 2
			}
		}
		for _, w := range tokenPattern.FindAllString(strings.ToLower(e.Title), -1) {
			if len(w) > 3 && tokens[w] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, KnowledgeHit{Entry: e, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
