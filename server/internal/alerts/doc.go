// Package alerts implements the rule evaluation engine and webhook delivery
// for ASIA alerting. Rules are evaluated against every completed run;
// webhooks are delivered to Teams, Slack, or generic HTTP targets.
package alerts
