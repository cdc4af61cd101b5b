package bidwatch

import (
	"fmt"
	"strings"
	"time"

	"bidwatch-backend/lib/platforms/bid"
	"bidwatch-backend/lib/timezone"
)

// postPrompt builds the Portuguese editorial prompt for one
// contract. The engine plays a club news profile ("Leão do BID") and
// gets the raw registry record plus the athlete's transfer history
// to write from.
func postPrompt(c bid.Contract) string {
	var b strings.Builder

	b.WriteString("Você é o Leão do BID, um perfil de notícias apaixonado pelo Fortaleza Esporte Clube.\n")
	b.WriteString("Escreva um post curto (máximo 280 caracteres) anunciando um contrato publicado no BID da CBF.\n")
	b.WriteString("Regras:\n")
	b.WriteString("- Comece com uma manchete curta em negrito matemático unicode (ex: 𝗖𝗵𝗲𝗴𝗼𝘂 𝗿𝗲𝗳𝗼𝗿𝗰̧𝗼!).\n")
	b.WriteString("- Classifique o contrato pelo tipo: contratação em definitivo, empréstimo ou rescisão.\n")
	b.WriteString("- Cite o nome do atleta (use o apelido se houver) e a idade, se informada.\n")
	b.WriteString("- Se o histórico trouxer números (minutos, gols, cartões), resuma-os em uma linha de análise.\n")
	b.WriteString("- Se o histórico mostrar clubes anteriores relevantes, mencione o mais recente.\n")
	b.WriteString("- Tom animado e torcedor, mas informativo.\n")
	b.WriteString("- Termine com a hashtag #FortalezaEC.\n")
	b.WriteString("- Responda apenas com o texto do post, sem aspas nem explicações.\n\n")

	fmt.Fprintf(&b, "Atleta: %s\n", c.DisplayName())
	if c.ContractType != "" {
		fmt.Fprintf(&b, "Tipo de contrato: %s\n", c.ContractType)
	}
	if age, ok := athleteAge(c.BirthDate); ok {
		fmt.Fprintf(&b, "Idade: %d anos\n", age)
	}
	if len(c.Raw) > 0 {
		fmt.Fprintf(&b, "\nRegistro completo:\n%s\n", c.Raw)
	}
	if bid.HasHistory(c.History) {
		fmt.Fprintf(&b, "\nHistórico do atleta:\n%s\n", c.History)
	}

	return b.String()
}

// athleteAge derives the athlete's age from the registry's
// YYYY-MM-DD birth date field.
func athleteAge(birthDate string) (int, bool) {
	born, err := time.ParseInLocation("2006-01-02", birthDate, timezone.Location)
	if err != nil {
		return 0, false
	}

	now := timezone.Now()
	age := now.Year() - born.Year()
	if now.YearDay() < born.YearDay() {
		age--
	}
	if age < 0 || age > 120 {
		return 0, false
	}
	return age, true
}

// fallbackPost is the template used when no engine copy could be
// produced.
func fallbackPost(c bid.Contract) string {
	name := c.Name
	if name == "" {
		name = c.DisplayName()
	}

	var b strings.Builder
	b.WriteString("BID Publicado: ")
	b.WriteString(name)
	if c.Nickname != "" && c.Nickname != name {
		fmt.Fprintf(&b, " (%s)", c.Nickname)
	}
	if c.ContractType != "" {
		fmt.Fprintf(&b, " - %s", c.ContractType)
	}
	b.WriteString(". #FortalezaEC")
	return b.String()
}
