package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// smells flags control flow that usually reads better after a small refactor.
func smells(m dsl.Matcher) {
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting the inner loop`)
}

// sqlSafety keeps user input out of SQL text. Record table names come from
// validated resource names; values always go through placeholders.
func sqlSafety(m dsl.Matcher) {
	m.Match(
		`$db.QueryContext($ctx, fmt.Sprintf($*_), $*_)`,
		`$db.QueryRowContext($ctx, fmt.Sprintf($*_), $*_)`,
		`$db.ExecContext($ctx, fmt.Sprintf($*_), $*_)`,
	).
		Report(`SQL built with fmt.Sprintf; use ? placeholders for values`)
}

// errorWrapping flags errors formatted into another error without %w.
func errorWrapping(m dsl.Matcher) {
	m.Match(`fmt.Errorf($f, $*_, $err)`).
		Where(m["err"].Type.Is(`error`) && !m["f"].Text.Matches(`%w`)).
		Report(`error formatted without %w; wrap it so callers can match it`)
}
