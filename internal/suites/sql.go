package suites

import (
	"context"
	"fmt"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

type namedQuery struct {
	name  string
	query string
}

// {index} is replaced with the fixture index.
var sqlQueries = []namedQuery{
	// basic
	{"basic-select-all", "SELECT * FROM {index} LIMIT 3"},
	{"basic-columns", "SELECT name, department, salary FROM {index} LIMIT 5"},
	{"basic-where", "SELECT name, position, salary FROM {index} WHERE department = 'IT'"},
	{"basic-order-by", "SELECT name, salary FROM {index} ORDER BY salary DESC LIMIT 5"},
	{"basic-limit", "SELECT name, department FROM {index} LIMIT 3"},

	// aggregation
	{"agg-count", "SELECT COUNT(*) as total_employees FROM {index}"},
	{"agg-avg", "SELECT AVG(salary) as avg_salary FROM {index}"},
	{"agg-min-max", "SELECT MAX(salary) as max_salary, MIN(salary) as min_salary FROM {index}"},
	{"agg-sum", "SELECT SUM(salary) as total_salary FROM {index}"},
	{"agg-group-by", "SELECT department, COUNT(*) as cnt, AVG(salary) as avg_salary FROM {index} GROUP BY department"},
	{"agg-having", "SELECT department, COUNT(*) as cnt FROM {index} GROUP BY department HAVING COUNT(*) > 1"},

	// advanced
	{"adv-case-when", "SELECT name, salary, CASE WHEN salary >= 7000 THEN 'high' WHEN salary >= 5000 THEN 'mid' ELSE 'entry' END as grade FROM {index}"},
	{"adv-subquery", "SELECT name, salary FROM {index} WHERE salary > (SELECT AVG(salary) FROM {index})"},
	{"adv-multi-condition", "SELECT name, department, salary, age FROM {index} WHERE salary >= 5000 AND age < 35 AND department IN ('IT', 'Finance')"},
	{"adv-like", "SELECT name, email FROM {index} WHERE email LIKE '%company.com'"},
	{"adv-date-format", "SELECT name, DATE_FORMAT(hire_date, 'yyyy') as hire_year, DATE_FORMAT(hire_date, 'MM') as hire_month FROM {index}"},
	{"adv-round", "SELECT department, ROUND(AVG(salary), 0) as avg_salary, ROUND(AVG(performance_score), 2) as avg_score FROM {index} GROUP BY department"},

	// business
	{"biz-department-summary", "SELECT department, COUNT(*) as headcount, AVG(age) as avg_age, AVG(salary) as avg_salary, AVG(performance_score) as avg_score FROM {index} GROUP BY department ORDER BY headcount DESC"},
	{"biz-salary-bands", "SELECT CASE WHEN salary >= 7000 THEN '7000+' WHEN salary >= 5000 THEN '5000-6999' ELSE 'under 5000' END as band, COUNT(*) as cnt FROM {index} GROUP BY band"},
	{"biz-hiring-trend", "SELECT DATE_FORMAT(hire_date, 'yyyy') as hire_year, COUNT(*) as hires FROM {index} GROUP BY hire_year ORDER BY hire_year"},
	{"biz-top-performers", "SELECT name, department, performance_score FROM {index} WHERE performance_score >= 4.5 ORDER BY performance_score DESC"},
	{"biz-department-ranking", "SELECT department, AVG(performance_score) as avg_score FROM {index} GROUP BY department ORDER BY avg_score DESC"},
}

var pplQueries = []namedQuery{
	{"ppl-fields-head", "search source={index} | fields name, department, salary | head 5"},
	{"ppl-where", "search source={index} | where department='IT' | fields name, position, salary"},
}

func bindIndex(query, index string, quote bool) string {
	name := index
	if quote {
		name = "`" + index + "`"
	}
	return strings.ReplaceAll(query, "{index}", name)
}

func sqlStep(env *Env, q namedQuery, ppl bool) runner.Step {
	return runner.Step{Name: q.name, Run: func(ctx context.Context) (string, error) {
		var (
			res *opensearch.SQLResult
			err error
		)
		if ppl {
			res, err = env.OS.PPL(ctx, bindIndex(q.query, fixtures.SQLEmployees, false))
		} else {
			res, err = env.OS.SQL(ctx, bindIndex(q.query, fixtures.SQLEmployees, true))
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d row(s), %d column(s)", len(res.DataRows), len(res.Schema)), nil
	}}
}

// SQL seeds the employee fixture and runs SQL and PPL queries over it.
func SQL(env *Env) runner.Suite {
	steps := []runner.Step{
		pluginStep(env, "sql"),
		{Name: "seed-employees", Run: func(ctx context.Context) (string, error) {
			n, err := loadFixture(ctx, env, fixtures.SQLEmployees)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d documents in %s", n, fixtures.SQLEmployees), nil
		}},
	}
	for _, q := range sqlQueries {
		steps = append(steps, sqlStep(env, q, false))
	}
	for _, q := range pplQueries {
		steps = append(steps, sqlStep(env, q, true))
	}
	steps = append(steps, runner.Step{Name: "count-matches-fixture", Run: func(ctx context.Context) (string, error) {
		f, err := env.Fixtures.Fixture(fixtures.SQLEmployees)
		if err != nil {
			return "", err
		}
		res, err := env.OS.SQL(ctx, bindIndex("SELECT COUNT(*) FROM {index}", fixtures.SQLEmployees, true))
		if err != nil {
			return "", err
		}
		n, err := res.CountValue()
		if err != nil {
			return "", err
		}
		if n != int64(len(f.Documents)) {
			return "", runner.Failf("COUNT(*) = %d, fixture has %d documents", n, len(f.Documents))
		}
		return fmt.Sprintf("COUNT(*) = %d", n), nil
	}})

	return runner.Suite{
		Name:      "sql",
		Threshold: DefaultThreshold,
		Setup:     env.connect,
		Steps:     steps,
		NextSteps: []string{
			"Try the Query Workbench in OpenSearch Dashboards",
			"Connect a BI tool through the JDBC/ODBC drivers",
		},
	}
}
