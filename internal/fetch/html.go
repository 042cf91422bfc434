package fetch

import (
	"fmt"
	"strings"

	"github.com/gocolly/colly/v2"
)

// FetchHTMLTable renders an HTML proxy-list page (e.g. free-proxy-list.net)
// into newline-joined "ip:port" lines so it can flow through the same
// parser heuristic as any other plain-text source.
func FetchHTMLTable(pageURL, rowSelector string) (string, error) {
	c := colly.NewCollector(colly.UserAgent(UserAgent))
	c.SetRequestTimeout(DefaultConnectTimeout + DefaultReadTimeout)

	var lines []string
	var collectErr error
	c.OnHTML(rowSelector, func(e *colly.HTMLElement) {
		ip := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		port := strings.TrimSpace(e.ChildText("td:nth-child(2)"))
		if ip == "" || port == "" {
			return
		}
		lines = append(lines, fmt.Sprintf("%s:%s", ip, port))
	})
	c.OnError(func(r *colly.Response, err error) {
		collectErr = err
	})

	if err := c.Visit(pageURL); err != nil {
		return "", err
	}
	c.Wait()
	if collectErr != nil {
		return "", collectErr
	}
	return strings.Join(lines, "\n"), nil
}
