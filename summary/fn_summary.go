package summary

import (
	log "github.com/sirupsen/logrus"

	"github.com/o2lab/gopor/cfa"
)

// FnSummary is the union of the accesses a function can make before it
// returns, callees included.
type FnSummary struct {
	Fn     *cfa.Function
	Access Access
	// Edges are the transitions the summary covers, in visiting order.
	Edges []*cfa.Edge
}

// Summarizer computes and caches function summaries.
type Summarizer struct {
	extractor *Extractor
	summaries map[*cfa.Function]*FnSummary
}

func NewSummarizer(x *Extractor) *Summarizer {
	return &Summarizer{
		extractor: x,
		summaries: make(map[*cfa.Function]*FnSummary),
	}
}

// Summarize walks the body of f breadth-first and unions every access
// reachable before the exit node. Recursive calls reuse the partial summary.
func (s *Summarizer) Summarize(f *cfa.Function) *FnSummary {
	if sum, ok := s.summaries[f]; ok {
		return sum
	}
	sum := &FnSummary{Fn: f}
	s.summaries[f] = sum
	log.Debugf("summarizing %s", f.Name)

	visited := make(map[*cfa.Node]bool)
	queue := []*cfa.Node{f.Entry}
	visited[f.Entry] = true
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.IsExit {
			continue
		}
		for _, e := range n.Out {
			next := e.Succ
			switch e.Kind {
			case cfa.CallToReturnEdge:
				continue
			case cfa.FunctionCallEdge:
				callee := s.Summarize(e.Callee)
				sum.Access.Union(callee.Access)
				sum.Edges = append(sum.Edges, e)
				next = cfa.SummaryOf(e).Succ
			default:
				sum.Access.Union(s.extractor.Extract(e))
				sum.Edges = append(sum.Edges, e)
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return sum
}
