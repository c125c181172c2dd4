package tensor

import (
	"testing"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

func TestRowF32IsAView(t *testing.T) {
	m := NewMat(4, 8)
	FillRand(&m, 1)

	row := m.Row(2)
	if len(row) != m.C {
		t.Fatalf("row length %d, want %d", len(row), m.C)
	}
	row[0] = 42
	if m.Data[2*m.Stride] != 42 {
		t.Fatalf("f32 row should alias the backing data")
	}
}

func TestRowQuantMatchesRowTo(t *testing.T) {
	const rows, cols = 4, 64
	src := RandNormal(rows*cols, 2)
	payload, err := QuantizeBlocks(src, rows, cols, qmf.DTypeQ8)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	m, err := NewMatQuant(rows, cols, qmf.DTypeQ8, payload, 0)
	if err != nil {
		t.Fatalf("new mat: %v", err)
	}

	want := make([]float32, cols)
	for r := 0; r < rows; r++ {
		m.RowTo(want, r)
		got := m.Row(r)
		for c := range got {
			if got[c] != want[c] {
				t.Fatalf("row %d col %d: Row %v RowTo %v", r, c, got[c], want[c])
			}
		}
	}
}
