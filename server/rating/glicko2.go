package rating

import "math"

// --- Glicko-2 constants & helpers (paper values) ---
const (
	g2Scale = 173.7178          // rating scale between r<->mu
	q       = math.Ln10 / 400.0 // q = ln(10)/400
	pi2     = math.Pi * math.Pi

	DefaultTau = 0.5
)

// Glicko2 holds the public 1500-scale values (not mu/phi).
type Glicko2 struct {
	Rating     float64 // r   (default 1500)
	RD         float64 // RD  (default 350)
	Volatility float64 // sigma (default 0.06)
	Games      int     // number of rating-period updates applied
}

func NewGlicko2() *Glicko2 {
	return &Glicko2{Rating: 1500, RD: 350, Volatility: 0.06}
}

func NewGlicko2With(r, rd, sigma float64) *Glicko2 {
	return &Glicko2{Rating: r, RD: rd, Volatility: sigma}
}

// Copy snapshots the rating; UpdateGlicko scores every seat against these.
func (g *Glicko2) Copy() *Glicko2 {
	cp := *g
	return &cp
}

func toMuPhi(r, rd float64) (mu, phi float64)   { return (r - 1500.0) / g2Scale, rd / g2Scale }
func fromMuPhi(mu, phi float64) (r, rd float64) { return mu*g2Scale + 1500.0, phi * g2Scale }

func g(phi float64) float64 { return 1.0 / math.Sqrt(1.0+3.0*q*q*phi*phi/pi2) }
func gExp(mu, muj, phij float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phij)*(mu-muj)))
}

// OpponentResult is one opponent and the score S in [0,1] against them.
type OpponentResult struct {
	Opp *Glicko2
	S   float64
}

// Age applies the no-games step: RD grows with volatility, rating stays.
func (a *Glicko2) Age() {
	muA, phiA := toMuPhi(a.Rating, a.RD)
	phiStar := math.Sqrt(phiA*phiA + a.Volatility*a.Volatility)
	a.Rating, a.RD = fromMuPhi(muA, phiStar)
	a.Games++
}

// UpdateBatch is the Glicko-2 rating-period update. Opponents must carry their
// values from the START of the period.
func (a *Glicko2) UpdateBatch(results []OpponentResult, tau float64) {
	if len(results) == 0 {
		a.Age()
		return
	}

	muA, phiA := toMuPhi(a.Rating, a.RD)

	var sumG2E float64 // Σ g^2 * E * (1-E)
	var sumGSE float64 // Σ g * (S - E)
	for _, r := range results {
		muB, phiB := toMuPhi(r.Opp.Rating, r.Opp.RD)
		gB := g(phiB)
		e := gExp(muA, muB, phiB)
		sumG2E += (gB * gB) * e * (1.0 - e)
		sumGSE += gB * (r.S - e)
	}
	v := 1.0 / (q * q * sumG2E)
	delta := v * q * sumGSE

	if math.Abs(delta) < 1e-12 {
		phiStar := math.Sqrt(phiA*phiA + a.Volatility*a.Volatility)
		phiNew := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
		muNew := muA + (phiNew*phiNew)*q*sumGSE
		a.Rating, a.RD = fromMuPhi(muNew, phiNew)
		a.Games++
		return
	}

	a2 := math.Log(a.Volatility * a.Volatility)
	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta*delta - phiA*phiA - v - ex)
		den := 2.0 * (phiA*phiA + v + ex) * (phiA*phiA + v + ex)
		return (num / den) - (x-a2)/(tau*tau)
	}

	A := a2
	var B float64
	if delta*delta > phiA*phiA+v {
		B = math.Log(delta*delta - phiA*phiA - v)
	} else {
		k := 1.0
		for f(a2-k) < 0 && k < 1e6 {
			k *= 2.0
		}
		B = a2 - k
	}
	fA := f(A)
	fB := f(B)

	for it := 0; it < 60 && math.Abs(B-A) > 1e-6; it++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if math.IsNaN(fC) || math.IsInf(fC, 0) {
			break
		}
		if fC*fB < 0 {
			A = B
			fA = fB
		}
		B = C
		fB = fC
	}

	newVol := math.Exp(B / 2.0)
	phiStar := math.Sqrt(phiA*phiA + newVol*newVol)
	phiNew := 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	muNew := muA + (phiNew*phiNew)*q*sumGSE

	a.Rating, a.RD = fromMuPhi(muNew, phiNew)
	a.Volatility = newVol
	a.Games++
}

// UpdateGlicko treats one game as a rating period for each seat, played against
// the other seats with placement scores. Missing models start at the defaults.
func UpdateGlicko(ratings map[string]*Glicko2, standings []Standing, tau float64) {
	if tau <= 0 {
		tau = DefaultTau
	}
	start := make([]*Glicko2, len(standings))
	for i, s := range standings {
		if ratings[s.Model] == nil {
			ratings[s.Model] = NewGlicko2()
		}
		start[i] = ratings[s.Model].Copy()
	}
	for i, a := range standings {
		results := make([]OpponentResult, 0, len(standings)-1)
		for j, b := range standings {
			if i != j {
				results = append(results, OpponentResult{Opp: start[j], S: Score(a, b)})
			}
		}
		ratings[a.Model].UpdateBatch(results, tau)
	}
}
