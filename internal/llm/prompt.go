package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"voxrelay/internal/matcher"
)

// Generator turns one composed prompt into reply text. An empty reply with a
// nil error means the backend produced no candidate.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

var ErrEmptyPrompt = errors.New("empty prompt")

const Persona = `
Eres Sofía, la asesora de voz de una aseguradora colombiana.
Hablas con clientes por teléfono, así que tus respuestas se convierten en audio.

REGLAS:
1. Responde siempre en español, con un tono cálido y profesional.
2. Sé breve: máximo tres oraciones. Nada de listas, tablas ni markdown.
3. No inventes precios, coberturas ni números de póliza.
4. Si la consulta requiere datos personales o un trámite, ofrece comunicar al cliente con un asesor humano.
5. Si no entiendes la pregunta, pide amablemente que la repita.

PRODUCTOS:
- Seguro de auto: responsabilidad civil, daños, hurto, asistencia en carretera.
- Seguro de vida: fallecimiento, incapacidad, enfermedades graves.
- Seguro de salud: consultas, hospitalización, medicamentos.
- Seguro de hogar: incendio, robo, daños por agua.
- Seguro de viaje: gastos médicos en el exterior, equipaje, cancelación.
`

// LoadPersona reads a persona from path, or returns the built-in one when
// path is empty.
func LoadPersona(path string) (string, error) {
	if path == "" {
		return Persona, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona %s: %w", path, err)
	}
	persona := strings.TrimSpace(string(data))
	if persona == "" {
		return "", fmt.Errorf("persona %s is empty", path)
	}
	return persona, nil
}

// Hint names the detected topics so the reply stays on them.
func Hint(topics matcher.Result) string {
	if !topics.Detected || len(topics.Matches) == 0 {
		return ""
	}
	return "TEMAS DETECTADOS: " + strings.Join(topics.Matches, ", ") +
		". Enfoca la respuesta en estos temas."
}

// Compose builds the single user turn sent to the generator.
func Compose(persona, transcript string, topics matcher.Result) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", ErrEmptyPrompt
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))
	if hint := Hint(topics); hint != "" {
		b.WriteString("\n\n")
		b.WriteString(hint)
	}
	b.WriteString("\n\nCliente: ")
	b.WriteString(transcript)
	b.WriteString("\nSofía:")
	return b.String(), nil
}
