// Package render formats KPI records, run results and chat answers for the
// terminal. Tables and severity badges are styled with lipgloss; free-form
// model text is rendered as markdown with glamour. Styles degrade to plain
// text when the output is not a terminal.
package render
