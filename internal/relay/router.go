package relay

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/hivechat/hivechat/internal/llmrouter"
	"github.com/hivechat/hivechat/internal/store"
)

// LLMRouteFunc asks a language model to pick target agents. Wired to
// llmrouter.Router.Route when configured, nil otherwise.
type LLMRouteFunc func(ctx context.Context, content string, candidates []llmrouter.Candidate) ([]string, error)

// Router decides which agent members of a room receive a message.
type Router struct {
	llm    LLMRouteFunc
	logger *slog.Logger
}

func NewRouter(llm LLMRouteFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{llm: llm, logger: logger}
}

// Targets returns the agent ids a message should be delivered to, in a
// deterministic order. senderID is excluded so agents never route to
// themselves.
//
// Broadcast rooms address every agent member. Direct rooms address the
// mentioned agents; with no mention the LLM router is consulted when
// configured, then the keyword heuristic, then broadcast as the last
// fallback so a message is never silently dropped.
func (r *Router) Targets(ctx context.Context, room *store.Room, members []*store.Member, senderID, content string, mentions []string) []string {
	var agents []*store.Member
	for _, m := range members {
		if m.Kind == store.MemberAgent && m.ID != senderID {
			agents = append(agents, m)
		}
	}
	if len(agents) == 0 {
		return nil
	}

	if room.Mode != store.RouteDirect {
		return agentIDs(agents)
	}

	if len(mentions) > 0 {
		if ids := matchMentions(agents, mentions); len(ids) > 0 {
			return ids
		}
		// Mentions that name no agent member fall through to selection.
	}

	if r.llm != nil {
		ids, err := r.llm(ctx, content, candidates(agents))
		if err == nil && len(ids) > 0 {
			return ids
		}
		if err != nil {
			r.logger.Warn("relay.route.llm_failed", "room_id", room.ID, "error", err)
		}
	}

	if ids := heuristicTargets(agents, content); len(ids) > 0 {
		return ids
	}
	return agentIDs(agents)
}

func agentIDs(agents []*store.Member) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	sort.Strings(ids)
	return ids
}

func candidates(agents []*store.Member) []llmrouter.Candidate {
	out := make([]llmrouter.Candidate, len(agents))
	for i, a := range agents {
		out[i] = llmrouter.Candidate{ID: a.ID, Type: a.AgentType, Keywords: a.Keywords}
	}
	return out
}

// matchMentions resolves @mentions against agent ids and names,
// case-insensitively for names.
func matchMentions(agents []*store.Member, mentions []string) []string {
	byID := make(map[string]*store.Member, len(agents))
	byName := make(map[string]*store.Member, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
		byName[strings.ToLower(a.Name)] = a
	}
	var ids []string
	seen := make(map[string]bool)
	for _, mention := range mentions {
		name := strings.TrimPrefix(strings.TrimSpace(mention), "@")
		var hit *store.Member
		if a, ok := byID[name]; ok {
			hit = a
		} else if a, ok := byName[strings.ToLower(name)]; ok {
			hit = a
		}
		if hit != nil && !seen[hit.ID] {
			seen[hit.ID] = true
			ids = append(ids, hit.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// heuristicTargets scores candidates by token overlap between the message
// and each agent's name, type, and keywords, and picks the best one.
// Ties break to the lexicographically smallest agent id so routing is
// reproducible across runs.
func heuristicTargets(agents []*store.Member, content string) []string {
	words := tokenize(content)
	if len(words) == 0 {
		return nil
	}

	bestScore := 0
	bestID := ""
	for _, a := range agents {
		vocab := make(map[string]bool)
		for t := range tokenize(a.Name) {
			vocab[t] = true
		}
		for t := range tokenize(a.AgentType) {
			vocab[t] = true
		}
		for _, kw := range a.Keywords {
			for t := range tokenize(kw) {
				vocab[t] = true
			}
		}
		score := 0
		for w := range words {
			if vocab[w] {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && a.ID < bestID) {
			bestScore = score
			bestID = a.ID
		}
	}
	if bestScore == 0 {
		return nil
	}
	return []string{bestID}
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = true
	}
	return out
}
