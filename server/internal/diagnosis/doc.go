// Package diagnosis turns computed KPI records into a structured maintenance
// diagnosis and answers follow-up questions about an analyzed run, using a
// generative language model.
//
// Generator abstracts the model call; GenAI implements it over the Gemini API
// or Vertex AI. Diagnoser owns the prompts, guards the generator with a
// circuit breaker and a per-call timeout, and validates the model's JSON.
package diagnosis
