package wikipedia

import "strings"

// queryResponse covers the subset of the MediaWiki query API response
// the client reads. Pages is keyed by page id; missing pages use
// negative ids and carry the "missing" marker.
type queryResponse struct {
	Query queryBody `json:"query"`
}

type queryBody struct {
	Redirects  []titleMapping `json:"redirects"`
	Normalized []titleMapping `json:"normalized"`
	Pages      map[string]pageEntry `json:"pages"`
}

type titleMapping struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type pageEntry struct {
	Title   string  `json:"title"`
	PageID  int64   `json:"pageid"`
	Touched string  `json:"touched"`
	Missing *string `json:"missing"`
	Links   []struct {
		Title string `json:"title"`
	} `json:"links"`
}

// keepLink decides whether a link title is an article. Namespace titles
// (anything with a colon) are dropped, except encyclopedic list pages.
func keepLink(title string) bool {
	return !strings.Contains(title, ":") || strings.HasPrefix(title, "List of ")
}

// parseBatch extracts filtered link lists from one sub-batch response.
// Results are emitted under the resolved title and under every requested
// title that redirects or normalizes to it, so callers see links under
// the name they asked for. The second return lists every title whose
// result is safe to cache: missing pages are excluded so a later page
// creation becomes visible once the cache expires.
func parseBatch(q *queryBody, batch []string) (map[string][]string, []string, error) {
	requested := make(map[string]struct{}, len(batch))
	for _, title := range batch {
		requested[title] = struct{}{}
	}

	results := make(map[string][]string)
	var cacheable []string

	emit := func(title string, links []string) {
		if _, ok := results[title]; ok {
			return
		}
		results[title] = links
		cacheable = append(cacheable, title)
	}

	for _, page := range q.Pages {
		if page.Missing != nil || page.Title == "" {
			continue
		}

		links := make([]string, 0, len(page.Links))
		for _, l := range page.Links {
			if keepLink(l.Title) {
				links = append(links, l.Title)
			}
		}

		emit(page.Title, links)

		for _, m := range q.Redirects {
			if m.To != page.Title {
				continue
			}
			if _, ok := requested[m.From]; ok {
				emit(m.From, links)
			}
		}
		for _, m := range q.Normalized {
			if m.To != page.Title {
				continue
			}
			if _, ok := requested[m.From]; ok {
				emit(m.From, links)
			}
		}
	}

	return results, cacheable, nil
}
