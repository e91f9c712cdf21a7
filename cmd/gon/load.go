package main

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

const (
	ImageSize = 32 * 32 * 3
	LabelSize = 1
	Row       = LabelSize + ImageSize
	Classes   = 10
)

// loadCIFAR10 reads a CIFAR-10 binary batch: one label byte followed by the
// red, green and blue 32x32 planes.
func loadCIFAR10(filePath string) ([]*mat.VecDense, []int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return readCIFAR10(bufio.NewReader(file))
}

func readCIFAR10(r io.Reader) ([]*mat.VecDense, []int, error) {
	images := make([]*mat.VecDense, 0)
	labels := make([]int, 0)
	row := make([]byte, Row)
	for {
		if _, err := io.ReadFull(r, row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("reading row %d: %w", len(labels), err)
		}
		if int(row[0]) >= Classes {
			return nil, nil, fmt.Errorf("row %d: label %d out of range", len(labels), row[0])
		}
		labels = append(labels, int(row[0]))

		img := row[LabelSize:]
		norm := make([]float64, ImageSize)
		for i := range img {
			norm[i] = float64(img[i]) / 255.0
		}
		t := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(3, 32, 32), tensor.WithBacking(norm))
		if err := t.Reshape(ImageSize); err != nil {
			return nil, nil, err
		}
		images = append(images, mat.NewVecDense(ImageSize, t.Data().([]float64)))
	}
	return images, labels, nil
}

func readLabels(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var words []string
	for scanner.Scan() {
		if w := scanner.Text(); w != "" {
			words = append(words, w)
		}
	}
	return words, scanner.Err()
}

// saveImg writes image i back out as a PNG named after its label.
func saveImg(images []*mat.VecDense, words []string, labels []int, i int, dir string) (string, error) {
	t := tensor.New(tensor.WithShape(3, 32, 32), tensor.WithBacking(images[i].RawVector().Data))
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			var px [3]uint8
			for c := range px {
				v, err := t.At(c, y, x)
				if err != nil {
					return "", err
				}
				px[c] = uint8(v.(float64) * 255.0)
			}
			img.Set(x, y, color.RGBA{px[0], px[1], px[2], 255})
		}
	}

	name := fmt.Sprintf("%d", labels[i])
	if labels[i] < len(words) {
		name = words[labels[i]]
	}
	label := fmt.Sprintf("%sfile_%s_%d.png", dir, name, i)
	file, err := os.Create(label)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return label, png.Encode(file, img)
}

func oneHotEncode(labels []int, numClasses int) []*mat.VecDense {
	out := make([]*mat.VecDense, len(labels))
	for i, label := range labels {
		out[i] = mat.NewVecDense(numClasses, nil)
		out[i].SetVec(label, 1.0)
	}
	return out
}

// xorDataset is a noisy two-class XOR problem for runs without data files.
func xorDataset(n int, seed uint64) ([]*mat.VecDense, []int) {
	rng := rand.New(rand.NewPCG(seed, seed))
	samples := make([]*mat.VecDense, n)
	labels := make([]int, n)
	for i := range samples {
		a, b := rng.IntN(2), rng.IntN(2)
		samples[i] = mat.NewVecDense(2, []float64{
			float64(a) + rng.NormFloat64()*0.05,
			float64(b) + rng.NormFloat64()*0.05,
		})
		labels[i] = a ^ b
	}
	return samples, labels
}
