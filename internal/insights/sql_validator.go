package insights

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type ValidateOptions struct {
	AllowedDomains  []string
	RequireDTFilter bool
	MaxDaysLookback int
	TodayISO        string // "YYYY-MM-DD"; empty means UTC today
}

var (
	domainTokenRe = regexp.MustCompile(`\bstore_domain\b`)
	betweenRe     = regexp.MustCompile(`\bdt\b\s+between\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'\s+and\s+(date\s+)?'(\d{4}-\d{2}-\d{2})'`)
	lowerBoundRe  = regexp.MustCompile(`\bdt\b\s*(>=|>)\s*(date\s+)?'(\d{4}-\d{2}-\d{2})'`)
	dtTokenRe     = regexp.MustCompile(`\bdt\b`)
	domainPredRe  = regexp.MustCompile(`\bstore_domain\b\s*(=|in)\s*\(([^)]*)\)|\bstore_domain\b\s*=\s*'([^']*)'`)
	quotedValRe   = regexp.MustCompile(`'([^']*)'`)
)

// ValidateSQL enforces:
//   - SELECT only; no semicolon, no comments, no DDL/DML keywords
//   - dt predicate with a bounded lookback (partition pruning)
//   - store_domain filter restricted to the caller's stores
func ValidateSQL(sql string, opt ValidateOptions) error {
	s := strings.TrimSpace(sql)
	if s == "" {
		return fmt.Errorf("empty sql")
	}
	low := strings.ToLower(s)

	if strings.Contains(low, ";") {
		return fmt.Errorf("semicolon not allowed")
	}
	if strings.Contains(low, "--") || strings.Contains(low, "/*") || strings.Contains(low, "*/") {
		return fmt.Errorf("comments not allowed")
	}
	if !strings.HasPrefix(low, "select") && !strings.HasPrefix(low, "with") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	block := []string{
		"insert ", "update ", "delete ", "merge ", "drop ", "alter ", "create ",
		"truncate ", "grant ", "revoke ", "call ", "execute ", "prepare ", "deallocate ",
	}
	for _, kw := range block {
		if strings.Contains(low, kw) {
			return fmt.Errorf("disallowed keyword: %s", strings.TrimSpace(kw))
		}
	}

	if opt.RequireDTFilter {
		if opt.MaxDaysLookback <= 0 {
			opt.MaxDaysLookback = 90
		}
		today := strings.TrimSpace(opt.TodayISO)
		if today == "" {
			today = time.Now().UTC().Format("2006-01-02")
		}
		if err := requireBoundedDTPredicate(low, today, opt.MaxDaysLookback); err != nil {
			return err
		}
	}

	if len(opt.AllowedDomains) > 0 {
		if err := requireAllowedDomainFilter(low, opt.AllowedDomains); err != nil {
			return err
		}
	} else if !domainTokenRe.MatchString(low) {
		return fmt.Errorf("missing required store_domain filter")
	}

	return nil
}

// requireBoundedDTPredicate accepts
//
//	dt >= date 'YYYY-MM-DD'
//	dt between date 'YYYY-MM-DD' and date 'YYYY-MM-DD'
//
// (with or without the date keyword) and rejects queries whose lower bound
// is older than the lookback window, or that only bound dt from above.
func requireBoundedDTPredicate(lowSQL, todayISO string, maxDays int) error {
	today, err := time.Parse("2006-01-02", todayISO)
	if err != nil {
		return fmt.Errorf("invalid TodayISO: %s", todayISO)
	}
	minAllowed := today.AddDate(0, 0, -maxDays)

	if m := betweenRe.FindStringSubmatch(lowSQL); len(m) == 5 {
		startDate, err := time.Parse("2006-01-02", m[2])
		if err != nil {
			return fmt.Errorf("dt BETWEEN has invalid start date: %s", m[2])
		}
		if startDate.Before(minAllowed) {
			return fmt.Errorf("dt lookback too large: start=%s older than %d days", m[2], maxDays)
		}
		return nil
	}

	if m := lowerBoundRe.FindStringSubmatch(lowSQL); len(m) == 4 {
		startDate, err := time.Parse("2006-01-02", m[3])
		if err != nil {
			return fmt.Errorf("dt lower bound invalid: %s", m[3])
		}
		if startDate.Before(minAllowed) {
			return fmt.Errorf("dt lookback too large: start=%s older than %d days", m[3], maxDays)
		}
		return nil
	}

	if dtTokenRe.MatchString(lowSQL) {
		return fmt.Errorf("dt filter must include a lower bound (dt >= ... or dt BETWEEN ...)")
	}
	return fmt.Errorf("missing required dt filter")
}

func requireAllowedDomainFilter(lowSQL string, allowed []string) error {
	if !domainTokenRe.MatchString(lowSQL) {
		return fmt.Errorf("missing required store_domain filter")
	}

	allow := map[string]bool{}
	for _, v := range allowed {
		allow[strings.ToLower(strings.TrimSpace(v))] = true
	}

	matches := domainPredRe.FindAllStringSubmatch(lowSQL, -1)
	if len(matches) == 0 {
		return fmt.Errorf("store_domain filter must be equality or IN list")
	}

	for _, m := range matches {
		// m[2] holds the inside of (...) for IN; m[3] the equality literal
		if strings.TrimSpace(m[2]) != "" {
			vals := quotedValRe.FindAllStringSubmatch(m[2], -1)
			if len(vals) == 0 {
				return fmt.Errorf("store_domain IN list must contain quoted values")
			}
			for _, vm := range vals {
				v := strings.ToLower(strings.TrimSpace(vm[1]))
				if !allow[v] {
					return fmt.Errorf("store_domain value not allowed: %s", vm[1])
				}
			}
			return nil
		}
		if strings.TrimSpace(m[3]) != "" {
			v := strings.ToLower(strings.TrimSpace(m[3]))
			if !allow[v] {
				return fmt.Errorf("store_domain value not allowed: %s", m[3])
			}
			return nil
		}
	}

	return fmt.Errorf("unable to validate store_domain predicate")
}
