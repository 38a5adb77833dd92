package synth

import (
	"strings"
	"testing"
	"time"

	"github.com/starford/multihop/internal/models"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func hit(chunkID, fp, name string, uploaded time.Time, seq int, text string) models.Hit {
	return models.Hit{
		ChunkID:  chunkID,
		Score:    0.5,
		Chunk:    models.Chunk{ID: chunkID, DocumentID: fp, Seq: seq, Text: text},
		Document: models.Document{Fingerprint: fp, Name: name, UploadedAt: uploaded, Status: models.StatusActive},
	}
}

func TestSynthesize_SingleSource(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "d1.txt", base, 0, "Alice said she visited Paris in 2019"),
	}
	ans := New(0).Synthesize("Where did Alice go?", hits)
	if !strings.Contains(ans.Text, "Paris") {
		t.Errorf("answer = %q", ans.Text)
	}
	if len(ans.UsedChunkIDs) != 1 || ans.UsedChunkIDs[0] != "c1" {
		t.Errorf("used = %v", ans.UsedChunkIDs)
	}
	if ans.Evidence[0].DocumentName != "d1.txt" {
		t.Errorf("evidence = %+v", ans.Evidence)
	}
}

func TestSynthesize_LaterUploadWinsAmongEquals(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "d1.txt", base, 0, "The meeting is on Monday."),
		hit("c2", "d2", "d2.txt", base.Add(time.Hour), 0, "The meeting was moved to Wednesday."),
	}
	ans := New(0).Synthesize("When is the meeting?", hits)
	if !strings.Contains(ans.Text, "Wednesday") || strings.Contains(ans.Text, "Monday") {
		t.Errorf("answer = %q", ans.Text)
	}
	if len(ans.UsedChunkIDs) != 1 || ans.UsedChunkIDs[0] != "c2" {
		t.Errorf("used = %v", ans.UsedChunkIDs)
	}
	if len(ans.Superseded) != 1 || ans.Superseded[0].Statement.ChunkID != "c1" || ans.Superseded[0].By != "c2" {
		t.Fatalf("superseded = %+v", ans.Superseded)
	}
	if !strings.Contains(ans.Superseded[0].Reason, "uploaded later") {
		t.Errorf("reason = %q", ans.Superseded[0].Reason)
	}
}

func TestSynthesize_RetrievalOrderDoesNotDecideConflicts(t *testing.T) {
	hits := []models.Hit{
		hit("c2", "d2", "d2.txt", base.Add(time.Hour), 0, "The meeting was moved to Wednesday."),
		hit("c1", "d1", "d1.txt", base, 0, "The meeting is on Monday."),
	}
	ans := New(0).Synthesize("When is the meeting?", hits)
	if !strings.Contains(ans.Text, "Wednesday") {
		t.Errorf("answer = %q", ans.Text)
	}
}

func TestSynthesize_SpecificDisclosureBeatsLaterVagueOne(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "session1.txt", base, 0, "My health: I've got PTSD pretty bad."),
		hit("c2", "d2", "session2.txt", base.Add(24*time.Hour), 0, "My health is good."),
	}
	ans := New(0).Synthesize("How is your health?", hits)
	if !strings.Contains(ans.Text, "PTSD") {
		t.Errorf("answer = %q", ans.Text)
	}
	if ans.UsedChunkIDs[0] != "c1" {
		t.Errorf("used = %v", ans.UsedChunkIDs)
	}
	if !strings.Contains(ans.Superseded[0].Reason, "less specific") {
		t.Errorf("reason = %q", ans.Superseded[0].Reason)
	}
}

func TestSynthesize_SelfReportBeatsHearsay(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "a.txt", base.Add(time.Hour), 0, "They said the budget was cut."),
		hit("c2", "d2", "b.txt", base, 0, "I approved the budget myself."),
	}
	ans := New(0).Synthesize("What happened to the budget?", hits)
	if ans.Text != "I approved the budget myself." {
		t.Errorf("answer = %q", ans.Text)
	}
}

func TestSynthesize_OverlappingChunksDeduplicated(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "a.txt", base, 0, "Bob lives in Rome. Bob works at Acme."),
		hit("c2", "d1", "a.txt", base, 1, "Bob works at Acme. He likes it."),
	}
	ans := New(0).Synthesize("Where does Bob work?", hits)
	if strings.Count(ans.Text, "Acme") != 1 {
		t.Errorf("answer = %q", ans.Text)
	}
	for _, id := range ans.UsedChunkIDs {
		if id != "c1" {
			t.Errorf("used = %v", ans.UsedChunkIDs)
		}
	}
}

func TestSynthesize_IrrelevantChunksExcludedFromUsed(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "a.txt", base, 0, "Rain is expected tomorrow."),
		hit("c2", "d2", "b.txt", base, 0, "Alice visited Paris in 2019."),
	}
	ans := New(0).Synthesize("Where did Alice go?", hits)
	if len(ans.UsedChunkIDs) != 1 || ans.UsedChunkIDs[0] != "c2" {
		t.Errorf("used = %v", ans.UsedChunkIDs)
	}
}

func TestSynthesize_SeparateTopicsBothAnswered(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "a.txt", base, 0, "Alice flew to Paris."),
		hit("c2", "d2", "b.txt", base, 0, "Bob drove to Berlin."),
	}
	ans := New(0).Synthesize("Where did Alice and Bob travel?", hits)
	if !strings.Contains(ans.Text, "Paris") || !strings.Contains(ans.Text, "Berlin") {
		t.Errorf("answer = %q", ans.Text)
	}
	if len(ans.UsedChunkIDs) != 2 || len(ans.Superseded) != 0 {
		t.Errorf("used = %v, superseded = %+v", ans.UsedChunkIDs, ans.Superseded)
	}
}

func TestSynthesize_NoMatchingStatement(t *testing.T) {
	hits := []models.Hit{hit("c1", "d1", "a.txt", base, 0, "Rain is expected tomorrow.")}
	ans := New(0).Synthesize("Who won the election?", hits)
	if ans.Text != NoAnswer {
		t.Errorf("answer = %q", ans.Text)
	}
	if len(ans.UsedChunkIDs) != 0 {
		t.Errorf("used = %v", ans.UsedChunkIDs)
	}
}

func TestSynthesize_MaxStatements(t *testing.T) {
	hits := []models.Hit{
		hit("c1", "d1", "a.txt", base, 0, "Alice flew to Paris."),
		hit("c2", "d2", "b.txt", base, 0, "Bob drove to Berlin."),
		hit("c3", "d3", "c.txt", base, 0, "Carol sailed to Oslo."),
	}
	ans := New(1).Synthesize("Where are Alice, Bob and Carol?", hits)
	if len(ans.Evidence) != 1 || ans.UsedChunkIDs[0] != "c1" {
		t.Errorf("evidence = %+v", ans.Evidence)
	}
}

func TestAnswer_Format(t *testing.T) {
	hits := []models.Hit{hit("c1", "d1", "d1.txt", base, 0, "Alice visited Paris in 2019.")}
	out := New(0).Synthesize("Where did Alice go?", hits).Format()
	for _, want := range []string{"Final Answer:\nAlice visited Paris in 2019.", "Supporting Evidence:\n- \"Alice visited Paris in 2019.\" (d1.txt)", "Reasoning:\n1 of 1 retrieved"} {
		if !strings.Contains(out, want) {
			t.Errorf("format missing %q:\n%s", want, out)
		}
	}
}

func TestSpecificity(t *testing.T) {
	cases := []struct {
		sentence string
		kind     questionKind
		want     int
	}{
		{"The meeting is on Monday.", askWhen, 2},
		{"Alice said she visited Paris in 2019", askWhere, 2},
		{"My health is good.", askOther, 1},
		{"It might rain maybe.", askOther, -2},
	}
	for _, c := range cases {
		if got := specificity(c.sentence, c.kind); got != c.want {
			t.Errorf("specificity(%q) = %d, want %d", c.sentence, got, c.want)
		}
	}
}
